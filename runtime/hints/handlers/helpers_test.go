package handlers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedExecutor returns the next scripted outcome on every call and
// counts invocations.
type scriptedExecutor struct {
	mu      sync.Mutex
	script  []error
	calls   atomic.Int64
	results []any
	fn      func(ctx context.Context, call *capability.Call) (any, error)
}

func (e *scriptedExecutor) Execute(ctx context.Context, call *capability.Call) (any, error) {
	n := e.calls.Add(1)
	if e.fn != nil {
		return e.fn(ctx, call)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if len(e.script) > 0 {
		err, e.script = e.script[0], e.script[1:]
	}
	if err != nil {
		return nil, err
	}
	if len(e.results) > 0 {
		return e.results[(n-1)%int64(len(e.results))], nil
	}
	return "ok", nil
}

func (e *scriptedExecutor) push(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, errs...)
}

// harness wires a registry, a ledger and an executor for one handler test.
type harness struct {
	reg    *hints.Registry
	ledger *chain.Ledger
	exec   *scriptedExecutor
	ec     hints.ExecutionContext
}

func newHarness(t *testing.T, hs ...hints.Handler) *harness {
	t.Helper()
	reg := hints.NewRegistry()
	for _, h := range hs {
		require.NoError(t, reg.Register(h))
	}
	ledger := chain.New()
	exec := &scriptedExecutor{}
	return &harness{
		reg:    reg,
		ledger: ledger,
		exec:   exec,
		ec:     hints.ExecutionContext{Ledger: ledger, Executor: exec},
	}
}

func (h *harness) run(capID string, hs hints.Hints, args ...any) (any, error) {
	return h.reg.Execute(context.Background(), &capability.Call{CapabilityID: capability.Ident(capID), Args: args}, hs, h.ec)
}

// tags returns the hint tags recorded in the ledger in append order.
func (h *harness) tags() []string {
	var out []string
	for _, a := range h.ledger.Query(chain.Query{Type: chain.ActionHintApplied}) {
		if tag, ok := a.Metadata[chain.MetaHint].(string); ok {
			out = append(out, tag)
		}
	}
	return out
}

// captureLogger records log messages.
type captureLogger struct {
	mu   sync.Mutex
	msgs []string
	seen chan string
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{seen: make(chan string, 64)}
}

func (l *captureLogger) log(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	select {
	case l.seen <- msg:
	default:
	}
}

func (l *captureLogger) Debug(_ context.Context, msg string, _ ...any) { l.log(msg) }
func (l *captureLogger) Info(_ context.Context, msg string, _ ...any)  { l.log(msg) }
func (l *captureLogger) Warn(_ context.Context, msg string, _ ...any)  { l.log(msg) }
func (l *captureLogger) Error(_ context.Context, msg string, _ ...any) { l.log(msg) }
