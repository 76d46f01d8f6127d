package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/retry"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func TestRetryRecoversTransientFailures(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	h := newHarness(t, NewRetry(WithRetrySleep(rec.sleep), WithRetryJitter(0)))
	h.exec.push(errBoom, errBoom)

	out, err := h.run("X", hints.Hints{hints.KeyRetry: map[string]any{
		"max-retries":      3,
		"initial-delay-ms": 10,
		"multiplier":       3,
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int64(3), h.exec.calls.Load())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, rec.delays)
	assert.Equal(t, []string{"retry:attempt 2", "retry:attempt 3"}, h.tags())
}

func TestRetryClampsToPolicyCeiling(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	h := newHarness(t, NewRetry(WithRetrySleep(rec.sleep)))
	h.exec.push(errBoom, errBoom, errBoom, errBoom, errBoom, errBoom, errBoom, errBoom, errBoom, errBoom)

	_, err := h.run("X", hints.Hints{hints.KeyRetry: map[string]any{"max": 50}})
	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 6, ex.Attempts)
	assert.Equal(t, int64(6), h.exec.calls.Load(), "one call plus the five retries the policy allows")
	require.ErrorIs(t, err, caperr.ErrInvocationFailure)
	assert.Contains(t, h.tags(), "retry:exhausted after 6 attempts")
}

func TestRetryDoesNotRetryRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewRetry(WithRetrySleep(func(context.Context, time.Duration) error { return nil })))
	h.exec.push(caperr.PolicyRejection("X", "circuit OPEN"))

	_, err := h.run("X", hints.Hints{hints.KeyRetry: nil})
	require.ErrorIs(t, err, caperr.ErrPolicyRejection)
	assert.Equal(t, int64(1), h.exec.calls.Load())
	assert.Empty(t, h.tags())
}

func TestRetryZeroRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewRetry())
	h.exec.push(errBoom)
	_, err := h.run("X", hints.Hints{hints.KeyRetry: map[string]any{"max-retries": 0}})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(1), h.exec.calls.Load())
}

func TestRetryValidate(t *testing.T) {
	t.Parallel()

	r := NewRetry()
	require.NoError(t, r.Validate(nil))
	require.NoError(t, r.Validate(map[string]any{"max-retries": 2, "multiplier": 1.5}))
	require.Error(t, r.Validate(map[string]any{"max-retries": -1}))
	require.Error(t, r.Validate(map[string]any{"multiplier": 0.5}))
	require.Error(t, r.Validate(map[string]any{"max-retries": 1.5}))
}
