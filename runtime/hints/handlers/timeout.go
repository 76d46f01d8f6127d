package handlers

import (
	"context"
	"fmt"
	"math"
	"time"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/hints"
)

const timeoutSchema = `{
	"type": "object",
	"properties": {
		"timeout-ms": {"type": "number", "exclusiveMinimum": 0},
		"multiplier": {"type": "number", "exclusiveMinimum": 0},
		"absolute-ms": {"type": "number", "exclusiveMinimum": 0}
	}
}`

// defaultBaseTimeout applies when the policy carries no base timeout.
const defaultBaseTimeout = 5 * time.Second

type (
	// Timeout bounds how long the rest of the chain may run. On expiry it
	// returns a Timeout error immediately and detaches from the abandoned
	// call; a late result is logged and discarded. Handlers still running on
	// the abandoned path no longer record to the ledger.
	Timeout struct {
		base
		deadline func(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc)
	}

	// TimeoutOption configures a Timeout handler.
	TimeoutOption func(*Timeout)

	outcomeOf struct {
		v   any
		err error
	}
)

// WithTimeoutDeadline overrides how the bounded context of a call is derived.
// Defaults to context.WithTimeout.
func WithTimeoutDeadline(fn func(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc)) TimeoutOption {
	return func(t *Timeout) {
		if fn != nil {
			t.deadline = fn
		}
	}
}

// NewTimeout returns a timeout handler for runtime.learning.timeout hints.
func NewTimeout(opts ...TimeoutOption) *Timeout {
	t := &Timeout{
		base: base{
			key:         hints.KeyTimeout,
			priority:    PriorityTimeout,
			description: "Bounds call duration and abandons calls exceeding it",
			schema:      hints.MustCompileSchema("timeout", timeoutSchema),
		},
		deadline: context.WithTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Validate implements hints.Handler.
func (t *Timeout) Validate(v any) error {
	_, err := t.validate(v)
	return err
}

// Apply implements hints.Handler.
func (t *Timeout) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	id := string(call.CapabilityID)
	d, err := t.duration(v, ec.Policy)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}

	cctx, cancel := t.deadline(hints.WithAbandonScope(ctx), d)
	done := make(chan outcomeOf, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcomeOf{err: caperr.InvocationFailure(id, fmt.Errorf("panic: %v", r))}
			}
		}()
		res, err := next(cctx)
		done <- outcomeOf{v: res, err: err}
	}()

	var o outcomeOf
	select {
	case o = <-done:
	case <-cctx.Done():
		// A call that completed as the deadline fired is not abandoned.
		select {
		case o = <-done:
		default:
			start := time.Now()
			logCtx := context.WithoutCancel(ctx)
			go func() {
				late := <-done
				cancel()
				ec.Log().Warn(logCtx, "discarded late result of abandoned call",
					"capability", id, "late_by", time.Since(start).String(), "succeeded", late.err == nil)
			}()
			return t.expired(ctx, call, d, ec)
		}
	}
	ended := cctx.Err() != nil
	cancel()
	if o.err != nil && ended && !caperr.IsFatal(o.err) {
		return t.expired(ctx, call, d, ec)
	}
	return o.v, o.err
}

// expired records the expiry and returns the timeout error, or the caller's
// error when the caller gave up first.
func (t *Timeout) expired(ctx context.Context, call *capability.Call, d time.Duration, ec hints.ExecutionContext) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := ec.Record(ctx, call, fmt.Sprintf("timeout:expired after %dms", d.Milliseconds()), map[string]any{
		"timeout_ms": d.Milliseconds(),
	}); err != nil {
		return nil, err
	}
	return nil, caperr.Timeout(string(call.CapabilityID), d)
}

// duration resolves the effective deadline: an explicit timeout-ms, else the
// multiplier applied to the policy base timeout, capped by absolute-ms and the
// policy ceiling.
func (t *Timeout) duration(v any, policy hints.Policy) (time.Duration, error) {
	p, err := t.validate(v)
	if err != nil {
		return 0, err
	}
	baseTimeout := policy.BaseTimeout
	if baseTimeout <= 0 {
		baseTimeout = defaultBaseTimeout
	}
	d := baseTimeout
	switch {
	case p.Has("timeout-ms"):
		if d, err = p.Millis("timeout-ms", 0); err != nil {
			return 0, err
		}
	case p.Has("multiplier"):
		mult, err := p.Float("multiplier", 1)
		if err != nil {
			return 0, err
		}
		scaled := float64(baseTimeout) * mult
		if math.IsNaN(scaled) || scaled >= math.MaxInt64 {
			return 0, fmt.Errorf("multiplier %g overflows the base timeout %s", mult, baseTimeout)
		}
		d = time.Duration(scaled)
	}
	if p.Has("absolute-ms") {
		abs, err := p.Millis("absolute-ms", 0)
		if err != nil {
			return 0, err
		}
		d = min(d, abs)
	}
	if policy.MaxAbsoluteTimeout > 0 {
		d = min(d, policy.MaxAbsoluteTimeout)
	}
	return d, nil
}
