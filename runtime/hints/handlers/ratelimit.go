package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

const rateLimitSchema = `{
	"type": "object",
	"properties": {
		"requests-per-second": {"type": "number", "exclusiveMinimum": 0},
		"burst": {"type": "integer", "minimum": 1},
		"key": {"type": "string", "minLength": 1},
		"wait-ms": {"type": "number", "minimum": 0}
	}
}`

type (
	// Limit describes a token bucket: Rate tokens per second up to Burst.
	Limit struct {
		Rate  float64
		Burst int
	}

	// LimiterStore holds token buckets by key. Implementations must be safe
	// for concurrent use.
	LimiterStore interface {
		// Allow takes one token from the bucket of key, waiting at most wait
		// for it to become available. It reports false when the budget is
		// exhausted.
		Allow(ctx context.Context, key string, limit Limit, wait time.Duration) (bool, error)
	}

	// RateLimit rejects calls exceeding the per-key budget without running
	// the rest of the chain.
	RateLimit struct {
		base
		store LimiterStore
	}

	// MemoryLimiter is a process-local LimiterStore backed by x/time/rate.
	MemoryLimiter struct {
		buckets *shardedMap[*bucket]
	}

	bucket struct {
		mu    sync.Mutex
		lim   *rate.Limiter
		limit Limit
	}

	rateLimitConfig struct {
		key   string
		limit Limit
		wait  time.Duration
	}
)

// NewRateLimit returns a rate limit handler for runtime.learning.rate-limit
// hints keeping its buckets in store.
func NewRateLimit(store LimiterStore) *RateLimit {
	if store == nil {
		store = NewMemoryLimiter()
	}
	return &RateLimit{
		base: base{
			key:         hints.KeyRateLimit,
			priority:    PriorityRateLimit,
			description: "Admits calls within a per-key token bucket budget",
			schema:      hints.MustCompileSchema("rate-limit", rateLimitSchema),
		},
		store: store,
	}
}

// Validate implements hints.Handler.
func (rl *RateLimit) Validate(v any) error {
	_, err := rl.config(v, "")
	return err
}

// Apply implements hints.Handler.
func (rl *RateLimit) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	id := string(call.CapabilityID)
	cfg, err := rl.config(v, id)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	ok, err := rl.store.Allow(ctx, cfg.key, cfg.limit, cfg.wait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ec.Log().Error(ctx, "rate limiter unavailable", "capability", id, "key", cfg.key, "err", err)
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "rate limiter unavailable")
	}
	if !ok {
		ec.Stats().IncCounter(telemetry.MetricRejections, 1, "capability", id, "hint", rl.key)
		if err := ec.Record(ctx, call, "rate-limit:rejected", map[string]any{
			"key":                 cfg.key,
			"requests_per_second": cfg.limit.Rate,
			"burst":               cfg.limit.Burst,
		}); err != nil {
			return nil, err
		}
		return nil, caperr.PolicyRejection(id, "rate limit exceeded for %q", cfg.key)
	}
	return next(ctx)
}

func (rl *RateLimit) config(v any, capabilityID string) (rateLimitConfig, error) {
	p, err := rl.validate(v)
	if err != nil {
		return rateLimitConfig{}, err
	}
	rps, err := p.Float("requests-per-second", 10)
	if err != nil {
		return rateLimitConfig{}, err
	}
	burst, err := p.Int("burst", 0)
	if err != nil {
		return rateLimitConfig{}, err
	}
	if burst == 0 {
		burst = max(int64(rps), 1)
	}
	key, err := p.String("key", capabilityID)
	if err != nil {
		return rateLimitConfig{}, err
	}
	wait, err := p.Millis("wait-ms", 0)
	if err != nil {
		return rateLimitConfig{}, err
	}
	return rateLimitConfig{key: key, limit: Limit{Rate: rps, Burst: int(burst)}, wait: wait}, nil
}

// NewMemoryLimiter returns an empty in-memory limiter store.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: newShardedMap(func(string) *bucket { return &bucket{} }),
	}
}

// Allow implements LimiterStore. A bucket adopts the latest limit it is
// called with while keeping its accumulated tokens.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, limit Limit, wait time.Duration) (bool, error) {
	if limit.Rate <= 0 || limit.Burst <= 0 {
		return false, fmt.Errorf("invalid limit %+v", limit)
	}
	b := m.buckets.get(key)
	b.mu.Lock()
	if b.lim == nil {
		b.lim = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
		b.limit = limit
	} else if b.limit != limit {
		now := time.Now()
		b.lim.SetLimitAt(now, rate.Limit(limit.Rate))
		b.lim.SetBurstAt(now, limit.Burst)
		b.limit = limit
	}
	lim := b.lim
	b.mu.Unlock()

	if wait <= 0 {
		return lim.Allow(), nil
	}
	r := lim.Reserve()
	if !r.OK() {
		return false, nil
	}
	delay := r.Delay()
	if delay > wait {
		r.Cancel()
		return false, nil
	}
	if delay == 0 {
		return true, nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return false, ctx.Err()
	case <-t.C:
		return true, nil
	}
}

// Forget drops the bucket of key.
func (m *MemoryLimiter) Forget(key string) {
	m.buckets.remove(key)
}
