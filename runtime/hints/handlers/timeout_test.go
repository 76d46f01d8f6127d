package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
)

func TestTimeoutPassesFastCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewTimeout())
	out, err := h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"timeout-ms": 1000}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Empty(t, h.tags())
}

func TestTimeoutAbandonsSlowCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewTimeout())
	logger := newCaptureLogger()
	h.ec.Logger = logger
	release := make(chan struct{})
	h.exec.fn = func(context.Context, *capability.Call) (any, error) {
		<-release
		return "late", nil
	}

	start := time.Now()
	_, err := h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"timeout-ms": 20}})
	require.ErrorIs(t, err, caperr.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, caperr.KindTimeout, caperr.KindOf(err))
	assert.Equal(t, []string{"timeout:expired after 20ms"}, h.tags())

	before := h.ledger.Len()
	close(release)
	select {
	case msg := <-logger.seen:
		assert.Equal(t, "discarded late result of abandoned call", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("late result was not reported")
	}
	assert.Equal(t, before, h.ledger.Len(), "late results never reach the ledger")
	require.NoError(t, h.ledger.VerifyIntegrity())
}

func TestTimeoutCancelsAbandonedContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewTimeout())
	canceled := make(chan struct{})
	h.exec.fn = func(ctx context.Context, _ *capability.Call) (any, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}
	_, err := h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"timeout-ms": 10}})
	require.ErrorIs(t, err, caperr.ErrTimeout)
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned call context was not canceled")
	}
}

func TestTimeoutHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	reg := hints.NewRegistry()
	require.NoError(t, reg.Register(NewTimeout()))
	ledger := chain.New()
	ctx, cancel := context.WithCancel(context.Background())
	exec := capability.ExecutorFunc(func(ctx context.Context, _ *capability.Call) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := reg.Execute(ctx, &capability.Call{CapabilityID: "X"}, hints.Hints{hints.KeyTimeout: nil},
		hints.ExecutionContext{Ledger: ledger, Executor: exec})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ledger.Len())
}

func TestTimeoutDuration(t *testing.T) {
	t.Parallel()

	to := NewTimeout()
	policy := hints.DefaultPolicy()
	cases := []struct {
		name string
		hint map[string]any
		want time.Duration
	}{
		{"default", nil, 5 * time.Second},
		{"explicit", map[string]any{"timeout-ms": 250}, 250 * time.Millisecond},
		{"multiplier", map[string]any{"multiplier": 3}, 15 * time.Second},
		{"absolute cap", map[string]any{"multiplier": 3, "absolute-ms": 8000}, 8 * time.Second},
		{"explicit wins", map[string]any{"timeout-ms": 100, "multiplier": 3}, 100 * time.Millisecond},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d, err := to.duration(c.hint, policy)
			require.NoError(t, err)
			assert.Equal(t, c.want, d)
		})
	}

	policy.MaxAbsoluteTimeout = time.Second
	d, err := to.duration(map[string]any{"multiplier": 2}, policy)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = to.duration(map[string]any{"multiplier": 1e300}, hints.Policy{})
	require.Error(t, err)
	_, err = to.duration(map[string]any{"timeout-ms": 1e300}, hints.Policy{})
	require.Error(t, err)
}

func TestTimeoutPolicyRejectsExcessiveHints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewTimeout())
	_, err := h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"multiplier": 20}})
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)
	_, err = h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"timeout-ms": 10 * 60 * 1000}})
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)
	assert.Zero(t, h.exec.calls.Load())
}

func TestTimeoutValidate(t *testing.T) {
	t.Parallel()

	to := NewTimeout()
	require.NoError(t, to.Validate(map[string]any{"timeout-ms": 10}))
	require.Error(t, to.Validate(map[string]any{"timeout-ms": 0}))
	require.Error(t, to.Validate(map[string]any{"multiplier": "x"}))
}

func TestTimeoutSilencesAbandonedFallback(t *testing.T) {
	t.Parallel()

	reg, err := Defaults(Options{})
	require.NoError(t, err)
	ledger := chain.New()
	returned := make(chan struct{})
	exec := capability.ExecutorFunc(func(ctx context.Context, _ *capability.Call) (any, error) {
		defer close(returned)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ec := hints.ExecutionContext{Ledger: ledger, Executor: exec}
	hs := hints.Hints{
		hints.KeyTimeout:  map[string]any{"timeout-ms": 10},
		hints.KeyFallback: map[string]any{"value": "recovered"},
	}
	_, err = reg.Execute(context.Background(), &capability.Call{CapabilityID: "X"}, hs, ec)
	require.ErrorIs(t, err, caperr.ErrTimeout)

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned call did not return")
	}
	assert.Never(t, func() bool { return ledger.Len() != 1 }, 100*time.Millisecond, 5*time.Millisecond)

	tags := ledger.Query(chain.Query{Type: chain.ActionHintApplied})
	require.Len(t, tags, 1)
	assert.Equal(t, "timeout:expired after 10ms", tags[0].Metadata[chain.MetaHint])
	require.NoError(t, ledger.VerifyIntegrity())
}

func TestAbandonedScopeDropsRecords(t *testing.T) {
	t.Parallel()

	ledger := chain.New()
	ec := hints.ExecutionContext{Ledger: ledger}
	ctx, cancel := context.WithCancel(hints.WithAbandonScope(context.Background()))
	require.NoError(t, ec.Record(ctx, nil, "live", nil))
	cancel()
	assert.True(t, hints.Abandoned(ctx))
	require.NoError(t, ec.Record(ctx, nil, "late", nil))
	assert.Equal(t, 1, ledger.Len())

	plain, stop := context.WithCancel(context.Background())
	stop()
	assert.False(t, hints.Abandoned(plain))
}

// expiringContext reports its deadline only after the call it bounds has
// returned, so the result and the expiry are both ready when the handler
// observes them.
type expiringContext struct {
	context.Context
	returned <-chan struct{}
	once     sync.Once
	done     chan struct{}
}

func (c *expiringContext) Done() <-chan struct{} {
	c.once.Do(func() {
		<-c.returned
		time.Sleep(10 * time.Millisecond)
		close(c.done)
	})
	return c.done
}

func (c *expiringContext) Err() error {
	select {
	case <-c.done:
		return context.DeadlineExceeded
	default:
		return nil
	}
}

func TestTimeoutPrefersResultReadyAtDeadline(t *testing.T) {
	t.Parallel()

	for range 20 {
		returned := make(chan struct{})
		to := NewTimeout(WithTimeoutDeadline(func(ctx context.Context, _ time.Duration) (context.Context, context.CancelFunc) {
			return &expiringContext{Context: ctx, returned: returned, done: make(chan struct{})}, func() {}
		}))
		h := newHarness(t, to)
		h.exec.fn = func(context.Context, *capability.Call) (any, error) {
			close(returned)
			return "finished", nil
		}
		out, err := h.run("X", hints.Hints{hints.KeyTimeout: map[string]any{"timeout-ms": 50}})
		require.NoError(t, err)
		assert.Equal(t, "finished", out)
		assert.Empty(t, h.tags())
	}
}
