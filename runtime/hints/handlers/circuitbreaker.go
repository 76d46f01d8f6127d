package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

// CircuitStatus is the state of a circuit.
type CircuitStatus int

const (
	// CircuitClosed admits every call.
	CircuitClosed CircuitStatus = iota
	// CircuitOpen rejects every call until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen admits one trial call at a time.
	CircuitHalfOpen
)

const circuitSchema = `{
	"type": "object",
	"properties": {
		"failure-threshold": {"type": "integer", "minimum": 1},
		"cooldown-ms": {"type": "number", "minimum": 0},
		"success-threshold": {"type": "integer", "minimum": 1}
	}
}`

type (
	// CircuitBreaker fails calls fast while the target capability is
	// failing. It keeps one three-state circuit per capability; each circuit
	// has its own lock.
	CircuitBreaker struct {
		base
		now      func() time.Time
		observer CircuitObserver
		circuits *shardedMap[*circuit]
	}

	// CircuitState is a snapshot of one circuit.
	CircuitState struct {
		Status        CircuitStatus
		FailureCount  int
		SuccessCount  int
		LastFailureAt time.Time
		TrialInFlight bool
	}

	// CircuitObserver is notified after a circuit changes status, outside
	// of the circuit lock.
	CircuitObserver interface {
		CircuitTransition(ctx context.Context, capability string, from, to CircuitStatus, state CircuitState)
	}

	// CircuitBreakerOption configures a CircuitBreaker.
	CircuitBreakerOption func(*CircuitBreaker)

	circuitConfig struct {
		failureThreshold int
		cooldown         time.Duration
		successThreshold int
	}

	circuit struct {
		mu    sync.Mutex
		state CircuitState
	}

	// transition describes a status change.
	transition struct {
		from, to CircuitStatus
		state    CircuitState
	}

	outcome int
)

const (
	outcomeNeutral outcome = iota
	outcomeSuccess
	outcomeFailure
)

// String returns the conventional upper-case name of the status.
func (s CircuitStatus) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("CircuitStatus(%d)", int(s))
	}
}

// ParseCircuitStatus parses the output of CircuitStatus.String.
func ParseCircuitStatus(s string) (CircuitStatus, error) {
	switch s {
	case "CLOSED":
		return CircuitClosed, nil
	case "OPEN":
		return CircuitOpen, nil
	case "HALF_OPEN":
		return CircuitHalfOpen, nil
	default:
		return 0, fmt.Errorf("unknown circuit status %q", s)
	}
}

// WithCircuitClock sets the clock used to measure cooldowns.
func WithCircuitClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithCircuitObserver registers o to be notified of transitions.
func WithCircuitObserver(o CircuitObserver) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.observer = o
	}
}

// NewCircuitBreaker returns a circuit breaker handler for
// runtime.learning.circuit-breaker hints.
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		base: base{
			key:         hints.KeyCircuitBreaker,
			priority:    PriorityCircuitBreaker,
			description: "Fails fast while a capability keeps failing and retries it after a cooldown",
			schema:      hints.MustCompileSchema("circuit-breaker", circuitSchema),
		},
		now:      time.Now,
		circuits: newShardedMap(func(string) *circuit { return &circuit{} }),
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Validate implements hints.Handler.
func (cb *CircuitBreaker) Validate(v any) error {
	_, err := cb.config(v)
	return err
}

// State returns a snapshot of the circuit of capability.
func (cb *CircuitBreaker) State(capability string) (CircuitState, bool) {
	c, ok := cb.circuits.lookup(capability)
	if !ok {
		return CircuitState{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// Reset forgets the circuit of capability, closing it.
func (cb *CircuitBreaker) Reset(capability string) bool {
	return cb.circuits.remove(capability)
}

// Apply implements hints.Handler.
func (cb *CircuitBreaker) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	cfg, err := cb.config(v)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, string(call.CapabilityID), err, "")
	}
	id := string(call.CapabilityID)
	c := cb.circuits.get(id)

	admitted, trial, tr, snap := c.admit(cb.now(), cfg)
	if tr != nil {
		if err := cb.transitioned(ctx, call, ec, tr); err != nil {
			return nil, err
		}
	}
	if !admitted {
		ec.Stats().IncCounter(telemetry.MetricRejections, 1, "capability", id, "hint", cb.key)
		if err := ec.Record(ctx, call, fmt.Sprintf("circuit-breaker:%s (rejected)", snap.Status), circuitMeta(snap)); err != nil {
			return nil, err
		}
		return nil, caperr.PolicyRejection(id, "circuit %s", snap.Status)
	}
	tag := "circuit-breaker:" + snap.Status.String()
	if trial {
		tag += " (trial)"
	}
	if err := ec.Record(ctx, call, tag, circuitMeta(snap)); err != nil {
		c.settle(outcomeNeutral, trial, cb.now(), cfg)
		return nil, err
	}

	settled := false
	defer func() {
		if !settled {
			c.settle(outcomeNeutral, trial, cb.now(), cfg)
		}
	}()
	res, err := next(ctx)
	out := classify(err)
	settled = true
	tr, snap = c.settle(out, trial, cb.now(), cfg)

	if out == outcomeFailure {
		if rerr := ec.Record(ctx, call, fmt.Sprintf("circuit-breaker:failure #%d", snap.FailureCount), circuitMeta(snap)); rerr != nil {
			return nil, rerr
		}
	}
	if tr != nil {
		if rerr := cb.transitioned(ctx, call, ec, tr); rerr != nil {
			return nil, rerr
		}
	}
	return res, err
}

func (cb *CircuitBreaker) transitioned(ctx context.Context, call *capability.Call, ec hints.ExecutionContext, tr *transition) error {
	id := string(call.CapabilityID)
	ec.Log().Info(ctx, "circuit transition", "capability", id, "from", tr.from.String(), "to", tr.to.String(), "failures", tr.state.FailureCount)
	ec.Stats().RecordGauge(telemetry.MetricCircuitStatus, float64(tr.to), "capability", id)
	if cb.observer != nil {
		cb.observer.CircuitTransition(ctx, id, tr.from, tr.to, tr.state)
	}
	return ec.Record(ctx, call, fmt.Sprintf("circuit-breaker:%s -> %s", tr.from, tr.to), circuitMeta(tr.state))
}

func (cb *CircuitBreaker) config(v any) (circuitConfig, error) {
	p, err := cb.validate(v)
	if err != nil {
		return circuitConfig{}, err
	}
	failures, err := p.Int("failure-threshold", 5)
	if err != nil {
		return circuitConfig{}, err
	}
	cooldown, err := p.Millis("cooldown-ms", 30*time.Second)
	if err != nil {
		return circuitConfig{}, err
	}
	successes, err := p.Int("success-threshold", 2)
	if err != nil {
		return circuitConfig{}, err
	}
	return circuitConfig{
		failureThreshold: int(failures),
		cooldown:         cooldown,
		successThreshold: int(successes),
	}, nil
}

// admit decides whether a call may proceed. trial reports that the call is
// the single half-open trial. tr is set when admission changed the status.
func (c *circuit) admit(now time.Time, cfg circuitConfig) (admitted, trial bool, tr *transition, snap CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Status {
	case CircuitOpen:
		if now.Sub(c.state.LastFailureAt) < cfg.cooldown {
			return false, false, nil, c.state
		}
		c.state.Status = CircuitHalfOpen
		c.state.SuccessCount = 0
		c.state.TrialInFlight = true
		return true, true, &transition{from: CircuitOpen, to: CircuitHalfOpen, state: c.state}, c.state
	case CircuitHalfOpen:
		if c.state.TrialInFlight {
			return false, false, nil, c.state
		}
		c.state.TrialInFlight = true
		return true, true, nil, c.state
	default:
		return true, false, nil, c.state
	}
}

// settle applies the outcome of an admitted call.
func (c *circuit) settle(out outcome, trial bool, now time.Time, cfg circuitConfig) (*transition, CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trial {
		c.state.TrialInFlight = false
	}
	from := c.state.Status
	switch out {
	case outcomeSuccess:
		switch {
		case from == CircuitClosed:
			c.state.FailureCount = 0
		case from == CircuitHalfOpen && trial:
			c.state.SuccessCount++
			if c.state.SuccessCount >= cfg.successThreshold {
				c.state.Status = CircuitClosed
				c.state.FailureCount = 0
				c.state.SuccessCount = 0
			}
		}
	case outcomeFailure:
		c.state.FailureCount++
		c.state.LastFailureAt = now
		switch from {
		case CircuitClosed:
			if c.state.FailureCount >= cfg.failureThreshold {
				c.state.Status = CircuitOpen
			}
		case CircuitHalfOpen:
			c.state.Status = CircuitOpen
			c.state.SuccessCount = 0
		}
	}
	if c.state.Status != from {
		return &transition{from: from, to: c.state.Status, state: c.state}, c.state
	}
	return nil, c.state
}

// classify maps the outcome of next to a circuit outcome. Rejections by
// inner policies and caller cancellation say nothing about the health of
// the capability.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, caperr.ErrPolicyRejection),
		errors.Is(err, context.Canceled),
		caperr.IsFatal(err):
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

func circuitMeta(s CircuitState) map[string]any {
	return map[string]any{
		chain.MetaCircuitState: s.Status.String(),
		chain.MetaFailureCount: s.FailureCount,
	}
}
