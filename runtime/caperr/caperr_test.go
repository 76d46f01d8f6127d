package caperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSentinelsMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"policy", PolicyRejection("cap", "circuit open"), ErrPolicyRejection},
		{"timeout", Timeout("cap", time.Second), ErrTimeout},
		{"invocation", InvocationFailure("cap", errors.New("boom")), ErrInvocationFailure},
		{"integrity", ChainIntegrity(errors.New("disk"), "append"), ErrChainIntegrity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tc.err, tc.sentinel)
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
		})
	}
	assert.NotErrorIs(t, PolicyRejection("cap", "x"), ErrTimeout)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInvocationFailure, KindOf(errors.New("plain")))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindPolicyRejection, KindOf(fmt.Errorf("wrap: %w", PolicyRejection("c", "limited"))))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := InvocationFailure("weather.get", cause)
	assert.Equal(t, "weather.get: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	err = Wrap(KindInvocationFailure, "", cause, "fetch failed")
	assert.Equal(t, "fetch failed: connection refused", err.Error())

	tm := Timeout("slow", 50*time.Millisecond)
	require.ErrorIs(t, tm, context.DeadlineExceeded)
	assert.Contains(t, tm.Error(), "timed out after 50ms")
}

func TestFatalAndRecoverable(t *testing.T) {
	t.Parallel()

	integrity := ChainIntegrity(errors.New("sink down"), "notify")
	assert.True(t, IsFatal(integrity))
	assert.False(t, Recoverable(integrity))
	assert.False(t, Recoverable(context.Canceled))
	assert.False(t, Recoverable(nil))
	assert.True(t, Recoverable(Timeout("x", time.Second)))
	assert.True(t, Recoverable(errors.New("boom")))
}
