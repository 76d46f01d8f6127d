package handlers

import (
	"hash/maphash"
	"sync"
)

const shardCount = 32

// shardedMap is a concurrent get-or-create map spreading keys over
// independently locked shards so unrelated keys never contend.
type shardedMap[V any] struct {
	seed   maphash.Seed
	create func(key string) V
	shards [shardCount]struct {
		mu sync.RWMutex
		m  map[string]V
	}
}

func newShardedMap[V any](create func(key string) V) *shardedMap[V] {
	s := &shardedMap[V]{seed: maphash.MakeSeed(), create: create}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

// get returns the value for key, creating it on first use.
func (s *shardedMap[V]) get(key string) V {
	sh := &s.shards[maphash.String(s.seed, key)%shardCount]
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return v
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok {
		return v
	}
	v = s.create(key)
	sh.m[key] = v
	return v
}

// lookup returns the value for key without creating it.
func (s *shardedMap[V]) lookup(key string) (V, bool) {
	sh := &s.shards[maphash.String(s.seed, key)%shardCount]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

// remove deletes key and reports whether it was present.
func (s *shardedMap[V]) remove(key string) bool {
	sh := &s.shards[maphash.String(s.seed, key)%shardCount]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	return ok
}

// keys returns every key currently stored.
func (s *shardedMap[V]) keys() []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k := range sh.m {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}
