package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
)

const cacheSchema = `{
	"type": "object",
	"properties": {
		"ttl-ms": {"type": "number", "exclusiveMinimum": 0},
		"key": {"type": "string", "minLength": 1}
	}
}`

type (
	// Cache stores memoized capability results.
	Cache interface {
		// Get returns the value stored under key. ok is false when the key
		// is absent or expired.
		Get(ctx context.Context, key string) (v any, ok bool, err error)
		// Set stores v under key for ttl.
		Set(ctx context.Context, key string, v any, ttl time.Duration) error
	}

	// CacheHandler memoizes successful results of the rest of the chain
	// keyed by the call fingerprint. A hit skips the chain entirely.
	CacheHandler struct {
		base
		store Cache
	}

	// MemoryCache is an in-memory Cache with TTL expiry.
	MemoryCache struct {
		mu      sync.RWMutex
		entries map[string]cacheEntry
		now     func() time.Time
	}

	// MemoryCacheOption configures a MemoryCache.
	MemoryCacheOption func(*MemoryCache)

	cacheEntry struct {
		value     any
		expiresAt time.Time
	}
)

// NewCache returns a cache handler for runtime.learning.cache hints storing
// results in store.
func NewCache(store Cache) *CacheHandler {
	if store == nil {
		store = NewMemoryCache()
	}
	return &CacheHandler{
		base: base{
			key:         hints.KeyCache,
			priority:    PriorityCache,
			description: "Memoizes successful results by call fingerprint",
			schema:      hints.MustCompileSchema("cache", cacheSchema),
		},
		store: store,
	}
}

// Validate implements hints.Handler.
func (c *CacheHandler) Validate(v any) error {
	_, err := c.validate(v)
	return err
}

// Apply implements hints.Handler.
func (c *CacheHandler) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	id := string(call.CapabilityID)
	p, err := c.validate(v)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	ttl, err := p.Millis("ttl-ms", time.Minute)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	key, err := p.String("key", "")
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	if key == "" {
		key = Fingerprint(call)
	}

	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		ec.Log().Warn(ctx, "cache lookup failed", "capability", id, "key", key, "err", err)
	}
	if ok {
		if err := ec.Record(ctx, call, "cache:hit", map[string]any{"key": key}); err != nil {
			return nil, err
		}
		return cached, nil
	}
	if err := ec.Record(ctx, call, "cache:miss", map[string]any{"key": key}); err != nil {
		return nil, err
	}
	res, err := next(ctx)
	if err != nil {
		return nil, err
	}
	if serr := c.store.Set(ctx, key, res, ttl); serr != nil {
		ec.Log().Warn(ctx, "cache store failed", "capability", id, "key", key, "err", serr)
	}
	return res, nil
}

// Fingerprint identifies a call by capability and canonical arguments.
func Fingerprint(call *capability.Call) string {
	h := sha256.New()
	h.Write([]byte(call.CapabilityID))
	h.Write([]byte{0})
	h.Write(chain.Canonical(call.Args))
	return string(call.CapabilityID) + ":" + hex.EncodeToString(h.Sum(nil))
}

// WithCacheClock sets the clock used to expire entries.
func WithCacheClock(now func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements Cache. Expired entries are evicted on access. Each caller
// receives its own copy of the stored value.
func (c *MemoryCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return chain.CloneValue(e.value), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: chain.CloneValue(v), expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
