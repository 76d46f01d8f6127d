package hints

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
)

// spyHandler records the order in which it is entered and exited.
type spyHandler struct {
	key         string
	priority    int
	trace       *callTrace
	validateErr error
	applied     atomic.Int64
	validated   atomic.Int64
}

type callTrace struct {
	mu     sync.Mutex
	events []string
}

func (c *callTrace) add(ev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *callTrace) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func newSpy(key string, priority int, trace *callTrace) *spyHandler {
	return &spyHandler{key: key, priority: priority, trace: trace}
}

func (s *spyHandler) Key() string         { return s.key }
func (s *spyHandler) Priority() int       { return s.priority }
func (s *spyHandler) Description() string { return "spy " + s.key }

func (s *spyHandler) Validate(any) error {
	s.validated.Add(1)
	return s.validateErr
}

func (s *spyHandler) Apply(ctx context.Context, _ *capability.Call, _ any, _ ExecutionContext, next Next) (any, error) {
	s.applied.Add(1)
	if s.trace != nil {
		s.trace.add(fmt.Sprintf("enter %d", s.priority))
		defer s.trace.add(fmt.Sprintf("exit %d", s.priority))
	}
	return next(ctx)
}

func countingExecutor(calls *atomic.Int64, trace *callTrace) capability.Executor {
	return capability.ExecutorFunc(func(_ context.Context, call *capability.Call) (any, error) {
		calls.Add(1)
		if trace != nil {
			trace.add("terminal")
		}
		return "result:" + string(call.CapabilityID), nil
	})
}

func priorities(r *Registry) []int {
	var out []int
	for _, h := range r.Handlers() {
		out = append(out, h.Priority())
	}
	return out
}

func TestRegisterSortsByPriority(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newSpy("c", 30, nil)))
	require.NoError(t, r.Register(newSpy("a", 10, nil)))
	require.NoError(t, r.Register(newSpy("b", 20, nil)))
	assert.Equal(t, []int{10, 20, 30}, priorities(r))
	assert.Equal(t, 3, r.Len())

	infos := r.Info()
	require.Len(t, infos, 3)
	assert.Equal(t, HandlerInfo{Key: "a", Priority: 10, Description: "spy a"}, infos[0])
}

func TestRegisterSortsExtremePriorities(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newSpy("max", math.MaxInt, nil)))
	require.NoError(t, r.Register(newSpy("min", math.MinInt, nil)))
	require.NoError(t, r.Register(newSpy("zero", 0, nil)))
	assert.Equal(t, []int{math.MinInt, 0, math.MaxInt}, priorities(r))
}

func TestRegisterKeepsRegistrationOrderForTies(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newSpy("first", 5, nil)))
	require.NoError(t, r.Register(newSpy("low", 1, nil)))
	require.NoError(t, r.Register(newSpy("second", 5, nil)))
	require.NoError(t, r.Register(newSpy("third", 5, nil)))

	var keys []string
	for _, h := range r.Handlers() {
		keys = append(keys, h.Key())
	}
	assert.Equal(t, []string{"low", "first", "second", "third"}, keys)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(newSpy("", 1, nil)))
	require.NoError(t, r.Register(newSpy("k", 1, nil)))
	require.ErrorIs(t, r.Register(newSpy("k", 2, nil)), ErrDuplicateHandler)

	full := NewRegistry()
	for i := range MaxHandlers {
		require.NoError(t, full.Register(newSpy(fmt.Sprintf("h%d", i), i, nil)))
	}
	require.ErrorIs(t, full.Register(newSpy("overflow", 0, nil)), ErrTooManyHandlers)
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newSpy("a", 1, nil)))
	require.NoError(t, r.Register(newSpy("b", 2, nil)))
	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	_, ok := r.Lookup("a")
	assert.False(t, ok)
	h, ok := r.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "b", h.Key())
}

func TestExecuteEmptyHintsIsPassThrough(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	spy := newSpy("k", 1, nil)
	require.NoError(t, r.Register(spy))
	var calls atomic.Int64
	ec := ExecutionContext{Executor: countingExecutor(&calls, nil)}

	out, err := r.Execute(context.Background(), &capability.Call{CapabilityID: "x"}, nil, ec)
	require.NoError(t, err)
	assert.Equal(t, "result:x", out)

	out, err = r.Execute(context.Background(), &capability.Call{CapabilityID: "x"}, Hints{"unrelated": nil}, ec)
	require.NoError(t, err)
	assert.Equal(t, "result:x", out)

	assert.Equal(t, int64(2), calls.Load())
	assert.Zero(t, spy.applied.Load())
	assert.Zero(t, spy.validated.Load())
}

func TestExecuteNestsLowestPriorityOutermost(t *testing.T) {
	t.Parallel()

	trace := &callTrace{}
	r := NewRegistry()
	// Registered out of order on purpose.
	require.NoError(t, r.Register(newSpy("fallback", 30, trace)))
	require.NoError(t, r.Register(newSpy("retry", 10, trace)))
	require.NoError(t, r.Register(newSpy("timeout", 20, trace)))
	require.NoError(t, r.Register(newSpy("unused", 15, trace)))
	var calls atomic.Int64
	ec := ExecutionContext{Executor: countingExecutor(&calls, trace)}

	_, err := r.Execute(context.Background(), &capability.Call{CapabilityID: "x"},
		Hints{"retry": nil, "timeout": nil, "fallback": nil}, ec)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"enter 10", "enter 20", "enter 30",
		"terminal",
		"exit 30", "exit 20", "exit 10",
	}, trace.list())
}

func TestExecuteRejectsInvalidHints(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	bad := newSpy("bad", 1, nil)
	bad.validateErr = errors.New("failure-threshold must be positive")
	require.NoError(t, r.Register(bad))
	var calls atomic.Int64
	ec := ExecutionContext{Executor: countingExecutor(&calls, nil)}

	_, err := r.Execute(context.Background(), &capability.Call{CapabilityID: "x"}, Hints{"bad": map[string]any{}}, ec)
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)
	assert.Contains(t, err.Error(), "failure-threshold must be positive")
	assert.Zero(t, calls.Load())
	assert.Zero(t, bad.applied.Load())
}

func TestExecuteRejectsPolicyViolations(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.AllowedFallbackPatterns = []string{"backup.*"}
	r := NewRegistry(WithPolicy(policy))
	require.NoError(t, r.Register(newSpy(KeyTimeout, 20, nil)))
	require.NoError(t, r.Register(newSpy(KeyFallback, 30, nil)))
	var calls atomic.Int64
	ec := ExecutionContext{Executor: countingExecutor(&calls, nil)}
	call := &capability.Call{CapabilityID: "x"}

	_, err := r.Execute(context.Background(), call, Hints{KeyTimeout: map[string]any{"multiplier": 50}}, ec)
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)

	_, err = r.Execute(context.Background(), call, Hints{KeyFallback: map[string]any{"capability": "other.cap"}}, ec)
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)

	_, err = r.Execute(context.Background(), call, Hints{KeyFallback: map[string]any{"capability": "backup.cap"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecuteClassifiesExecutorErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ec := ExecutionContext{Executor: capability.ExecutorFunc(func(context.Context, *capability.Call) (any, error) {
		return nil, boom
	})}
	_, err := NewRegistry().Execute(context.Background(), &capability.Call{CapabilityID: "x"}, nil, ec)
	require.ErrorIs(t, err, caperr.ErrInvocationFailure)
	require.ErrorIs(t, err, boom)

	_, err = NewRegistry().Execute(context.Background(), &capability.Call{CapabilityID: "x"}, nil, ExecutionContext{})
	require.ErrorIs(t, err, ErrNoExecutor)
}

func TestExecutionContextRecord(t *testing.T) {
	t.Parallel()

	ledger := chain.New()
	ctx := context.Background()
	parent := &chain.Action{Type: chain.ActionCapabilityCall, CapabilityID: "x"}
	_, err := ledger.Append(ctx, parent)
	require.NoError(t, err)

	ec := ExecutionContext{Ledger: ledger, PlanID: "p"}.WithParent(parent.ID)
	require.NoError(t, ec.Record(ctx, &capability.Call{CapabilityID: "x"}, "retry:attempt 2", map[string]any{chain.MetaAttempt: 2}))

	children := ledger.Children(parent.ID)
	require.Len(t, children, 1)
	assert.Equal(t, chain.ActionHintApplied, children[0].Type)
	assert.Equal(t, "retry:attempt 2", children[0].Metadata[chain.MetaHint])
	assert.Equal(t, 2, children[0].Metadata[chain.MetaAttempt])
	assert.Equal(t, "p", children[0].PlanID)

	// Recording under an unknown parent is a ledger fault.
	err = ExecutionContext{Ledger: ledger, ParentID: "missing"}.Record(ctx, nil, "x", nil)
	require.ErrorIs(t, err, caperr.ErrChainIntegrity)

	// Without a ledger nothing is recorded.
	require.NoError(t, ExecutionContext{}.Record(ctx, nil, "x", nil))
}
