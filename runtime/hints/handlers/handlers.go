// Package handlers implements the built-in policy handlers: circuit breaker,
// retry, timeout, rate limit, fallback, cache and metrics. Each handler owns
// its private keyed state, guarded independently of the ledger and of other
// handlers.
package handlers

import (
	"fmt"
	"time"

	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

// Default handler priorities. Lower numbers wrap higher numbers.
const (
	PriorityMetrics        = 1
	PriorityCache          = 2
	PriorityCircuitBreaker = 3
	PriorityRateLimit      = 5
	PriorityRetry          = 10
	PriorityTimeout        = 20
	PriorityFallback       = 30
)

type (
	// base implements the descriptive part of hints.Handler.
	base struct {
		key         string
		priority    int
		description string
		schema      *hints.Schema
	}

	// Options configures the handlers built by Defaults. Zero values select
	// in-memory stores and the system clock.
	Options struct {
		// Cache stores memoized results. Defaults to a MemoryCache.
		Cache Cache
		// Limiter stores rate limit buckets. Defaults to a MemoryLimiter.
		Limiter LimiterStore
		// CircuitObserver is notified of circuit transitions. Optional.
		CircuitObserver CircuitObserver
		// Clock overrides time.Now for the circuit breaker. Optional.
		Clock func() time.Time
		// Logger logs handler decisions. Optional.
		Logger telemetry.Logger
		// Policy sets the registry policy. Defaults to hints.DefaultPolicy.
		Policy *hints.Policy
	}
)

func (b *base) Key() string         { return b.key }
func (b *base) Priority() int       { return b.priority }
func (b *base) Description() string { return b.description }

// validate checks v is a map conforming to the handler schema.
func (b *base) validate(v any) (hints.Params, error) {
	p, err := hints.AsParams(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.key, err)
	}
	if err := b.schema.Validate(v); err != nil {
		return nil, err
	}
	return p, nil
}

// Defaults returns a registry holding every built-in handler.
func Defaults(opts Options) (*hints.Registry, error) {
	policy := hints.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	var regOpts []hints.RegistryOption
	regOpts = append(regOpts, hints.WithPolicy(policy))
	if opts.Logger != nil {
		regOpts = append(regOpts, hints.WithLogger(opts.Logger))
	}
	reg := hints.NewRegistry(regOpts...)

	cacheStore := opts.Cache
	if cacheStore == nil {
		cacheStore = NewMemoryCache()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	var cbOpts []CircuitBreakerOption
	if opts.Clock != nil {
		cbOpts = append(cbOpts, WithCircuitClock(opts.Clock))
	}
	if opts.CircuitObserver != nil {
		cbOpts = append(cbOpts, WithCircuitObserver(opts.CircuitObserver))
	}

	for _, h := range []hints.Handler{
		NewMetrics(),
		NewCache(cacheStore),
		NewCircuitBreaker(cbOpts...),
		NewRateLimit(limiter),
		NewRetry(),
		NewTimeout(),
		NewFallback(),
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
