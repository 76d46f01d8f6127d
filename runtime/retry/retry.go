// Package retry runs an operation with bounded exponential backoff. It is used
// by the retry hint handler and by the persistence adapters that talk to
// remote stores.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"goa.design/capflow/runtime/caperr"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// A value of 0 or 1 means no retries.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between attempts.
		MaxBackoff time.Duration
		// BackoffMultiplier scales the delay after each retry.
		BackoffMultiplier float64
		// Jitter randomizes each delay by up to the given fraction.
		Jitter float64
		// Retryable reports whether err warrants another attempt. Defaults to
		// Retryable.
		Retryable func(error) bool
		// OnRetry runs before the delay preceding attempt. A non-nil error
		// aborts the loop and is returned as is.
		OnRetry func(ctx context.Context, attempt int, delay time.Duration, err error) error
		// Sleep waits for d or until ctx is done. Defaults to Sleep.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// ExhaustedError is returned when all attempts failed.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the time spent across all attempts.
		TotalDuration time.Duration
		// LastError is the error of the last attempt.
		LastError error
	}
)

// DefaultConfig returns three attempts starting at 100ms and doubling up to
// 5s with 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the last attempt error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Retryable reports whether err may succeed on another attempt. Policy
// rejections, chain integrity errors and caller cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, caperr.ErrPolicyRejection):
		return false
	case caperr.IsFatal(err):
		return false
	default:
		return true
	}
}

// Do calls fn until it succeeds, returns a non-retryable error or the
// attempts are exhausted. attempt starts at 1. When more than one attempt
// failed Do returns an *ExhaustedError wrapping the last error.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = Retryable
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var zero T
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		delay := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			if herr := cfg.OnRetry(ctx, attempt+1, delay, err); herr != nil {
				return zero, herr
			}
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
	if cfg.MaxAttempts == 1 {
		return zero, lastErr
	}
	return zero, &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff computes the delay following the given failed attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
