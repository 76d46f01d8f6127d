package handlers

import (
	"context"
	"fmt"
	"time"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/retry"
)

const retrySchema = `{
	"type": "object",
	"properties": {
		"max-retries": {"type": "integer", "minimum": 0},
		"max": {"type": "integer", "minimum": 0},
		"initial-delay-ms": {"type": "number", "minimum": 0},
		"max-delay-ms": {"type": "number", "minimum": 0},
		"multiplier": {"type": "number", "minimum": 1}
	}
}`

type (
	// Retry re-invokes the rest of the chain with exponential backoff. The
	// requested retry count is clamped to the policy ceiling.
	Retry struct {
		base
		jitter float64
		sleep  func(ctx context.Context, d time.Duration) error
	}

	// RetryOption configures a Retry handler.
	RetryOption func(*Retry)

	retryConfig struct {
		maxRetries   int
		initialDelay time.Duration
		maxDelay     time.Duration
		multiplier   float64
	}
)

// WithRetrySleep overrides the function used to wait between attempts.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retry) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithRetryJitter sets the jitter fraction applied to delays. Defaults to 0.1.
func WithRetryJitter(j float64) RetryOption {
	return func(r *Retry) {
		r.jitter = j
	}
}

// NewRetry returns a retry handler for runtime.learning.retry hints.
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		base: base{
			key:         hints.KeyRetry,
			priority:    PriorityRetry,
			description: "Retries failed calls with exponential backoff up to the policy ceiling",
			schema:      hints.MustCompileSchema("retry", retrySchema),
		},
		jitter: 0.1,
		sleep:  retry.Sleep,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Validate implements hints.Handler.
func (r *Retry) Validate(v any) error {
	_, err := r.config(v)
	return err
}

// Apply implements hints.Handler.
func (r *Retry) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	cfg, err := r.config(v)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, string(call.CapabilityID), err, "")
	}
	retries := ec.Policy.ClampRetries(cfg.maxRetries)
	if retries < cfg.maxRetries {
		ec.Log().Warn(ctx, "retry count clamped", "capability", string(call.CapabilityID), "requested", cfg.maxRetries, "allowed", retries)
	}
	rc := retry.Config{
		MaxAttempts:       retries + 1,
		InitialBackoff:    cfg.initialDelay,
		MaxBackoff:        cfg.maxDelay,
		BackoffMultiplier: cfg.multiplier,
		Jitter:            r.jitter,
		Sleep:             r.sleep,
		OnRetry: func(ctx context.Context, attempt int, delay time.Duration, err error) error {
			return ec.Record(ctx, call, fmt.Sprintf("retry:attempt %d", attempt), map[string]any{
				chain.MetaAttempt:       attempt,
				chain.MetaErrorCategory: string(caperr.KindOf(err)),
				chain.MetaErrorMessage:  err.Error(),
				"delay_ms":              delay.Milliseconds(),
			})
		},
	}
	res, err := retry.Do(ctx, rc, func(ctx context.Context, _ int) (any, error) {
		return next(ctx)
	})
	if ex, ok := err.(*retry.ExhaustedError); ok {
		if rerr := ec.Record(ctx, call, fmt.Sprintf("retry:exhausted after %d attempts", ex.Attempts), map[string]any{
			chain.MetaAttempt:       ex.Attempts,
			chain.MetaErrorCategory: string(caperr.KindOf(ex.LastError)),
			chain.MetaErrorMessage:  ex.LastError.Error(),
		}); rerr != nil {
			return nil, rerr
		}
	}
	return res, err
}

func (r *Retry) config(v any) (retryConfig, error) {
	p, err := r.validate(v)
	if err != nil {
		return retryConfig{}, err
	}
	key := "max-retries"
	if !p.Has(key) && p.Has("max") {
		key = "max"
	}
	n, err := p.Int(key, 3)
	if err != nil {
		return retryConfig{}, err
	}
	initial, err := p.Millis("initial-delay-ms", 100*time.Millisecond)
	if err != nil {
		return retryConfig{}, err
	}
	maxDelay, err := p.Millis("max-delay-ms", 5*time.Second)
	if err != nil {
		return retryConfig{}, err
	}
	mult, err := p.Float("multiplier", 2.0)
	if err != nil {
		return retryConfig{}, err
	}
	return retryConfig{
		maxRetries:   int(n),
		initialDelay: initial,
		maxDelay:     maxDelay,
		multiplier:   mult,
	}, nil
}
