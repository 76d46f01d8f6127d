package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/hints"
)

func TestCacheHitSkipsChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewCache(NewMemoryCache()))
	h.exec.results = []any{"first", "second"}
	hs := hints.Hints{hints.KeyCache: map[string]any{"ttl-ms": 60000}}

	out, err := h.run("X", hs, "Paris", 3)
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = h.run("X", hs, "Paris", 3)
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	assert.Equal(t, int64(1), h.exec.calls.Load())

	out, err = h.run("X", hs, "Lyon", 3)
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, []string{"cache:miss", "cache:hit", "cache:miss"}, h.tags())
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	t.Parallel()

	store := NewMemoryCache()
	h := newHarness(t, NewCache(store))
	h.exec.push(errBoom)
	_, err := h.run("X", hints.Hints{hints.KeyCache: nil})
	require.Error(t, err)
	assert.Zero(t, store.Len())

	_, err = h.run("X", hints.Hints{hints.KeyCache: nil})
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.exec.calls.Load())
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newHarness(t, NewCache(NewMemoryCache(WithCacheClock(clock.Now))))
	hs := hints.Hints{hints.KeyCache: map[string]any{"ttl-ms": 100}}

	_, err := h.run("X", hs)
	require.NoError(t, err)
	clock.Advance(50 * time.Millisecond)
	_, err = h.run("X", hs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.exec.calls.Load())

	clock.Advance(100 * time.Millisecond)
	_, err = h.run("X", hs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.exec.calls.Load())
}

func TestCacheExplicitKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewCache(nil))
	hs := hints.Hints{hints.KeyCache: map[string]any{"key": "shared"}}
	_, err := h.run("X", hs, 1)
	require.NoError(t, err)
	_, err = h.run("Y", hs, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.exec.calls.Load())
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (any, bool, error) {
	return nil, false, errors.New("unreachable")
}

func (brokenCache) Set(context.Context, string, any, time.Duration) error {
	return errors.New("unreachable")
}

func TestCacheStoreFailureDegradesToMiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewCache(brokenCache{}))
	out, err := h.run("X", hints.Hints{hints.KeyCache: nil})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint(&capability.Call{CapabilityID: "X", Args: []any{map[string]any{"b": 1, "a": 2}}})
	b := Fingerprint(&capability.Call{CapabilityID: "X", Args: []any{map[string]any{"a": 2, "b": 1.0}}})
	c := Fingerprint(&capability.Call{CapabilityID: "Y", Args: []any{map[string]any{"a": 2, "b": 1}}})
	assert.Equal(t, a, b, "argument order and numeric representation do not matter")
	assert.NotEqual(t, a, c)
}

func TestCacheHitsDoNotShareValues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewCache(NewMemoryCache()))
	h.exec.results = []any{map[string]any{"temp": 21}}
	hs := hints.Hints{hints.KeyCache: map[string]any{"ttl-ms": 60000}}

	first, err := h.run("X", hs, "Paris")
	require.NoError(t, err)
	first.(map[string]any)["temp"] = -40

	second, err := h.run("X", hs, "Paris")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 21}, second)
	second.(map[string]any)["temp"] = 99

	third, err := h.run("X", hs, "Paris")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 21}, third)
}
