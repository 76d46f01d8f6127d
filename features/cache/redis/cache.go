// Package redis implements a capability result cache shared through Redis.
// Values are stored as JSON; numbers read back as json.Number.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/capflow/runtime/hints/handlers"
)

// Cache implements handlers.Cache on Redis.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

var _ handlers.Cache = (*Cache)(nil)

// New returns a cache storing entries under keys starting with prefix.
// An empty prefix defaults to "capflow:cache:".
func New(rdb *redis.Client, prefix string) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "capflow:cache:"
	}
	return &Cache{rdb: rdb, prefix: prefix}, nil
}

// Get implements handlers.Cache.
func (c *Cache) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements handlers.Cache.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
