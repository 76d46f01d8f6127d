// Package redis implements a token bucket limiter store shared by every
// process connected to the same Redis server. Buckets are updated atomically
// by a Lua script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/capflow/runtime/hints/handlers"
)

// tokenBucket refills and takes one token atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// Returns {allowed, retry_after_ms}.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_after = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return {allowed, retry_after}
`)

type (
	// Store implements handlers.LimiterStore on Redis.
	Store struct {
		rdb    *redis.Client
		prefix string
		now    func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

var _ handlers.LimiterStore = (*Store)(nil)

// WithPrefix sets the prefix of bucket keys. Defaults to "capflow:limiter:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock sets the clock used to refill buckets. Processes sharing
// buckets should have synchronized clocks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store using rdb.
func New(rdb *redis.Client, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb, prefix: "capflow:limiter:", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Allow implements handlers.LimiterStore. When wait is positive and the
// bucket is empty, Allow sleeps until the next token is due and tries again,
// giving up once wait would be exceeded.
func (s *Store) Allow(ctx context.Context, key string, limit handlers.Limit, wait time.Duration) (bool, error) {
	if limit.Rate <= 0 || limit.Burst < 1 {
		return false, fmt.Errorf("invalid limit %v/s burst %d", limit.Rate, limit.Burst)
	}
	deadline := s.now().Add(wait)
	for {
		ok, retryAfter, err := s.take(ctx, key, limit)
		if err != nil || ok {
			return ok, err
		}
		if wait <= 0 || s.now().Add(retryAfter).After(deadline) {
			return false, nil
		}
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// Reset removes the bucket of key.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *Store) take(ctx context.Context, key string, limit handlers.Limit) (bool, time.Duration, error) {
	now := float64(s.now().UnixMicro()) / 1e6
	res, err := tokenBucket.Run(ctx, s.rdb, []string{s.prefix + key}, limit.Rate, limit.Burst, now).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis limiter: unexpected reply %v", res)
	}
	retry := time.Duration(max(res[1], 1)) * time.Millisecond
	return res[0] == 1, retry, nil
}
