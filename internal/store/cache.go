package store

import (
	"sync"
	"time"
)

// cache is a TTL map used for the hot per-group reads. Writers refresh or
// invalidate entries after the database write succeeds.
type cache[T any] struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

func newCache[T any](ttl time.Duration) *cache[T] {
	return &cache[T]{
		ttl:     ttl,
		entries: make(map[string]cacheEntry[T]),
	}
}

func (c *cache[T]) get(key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *cache[T]) put(key string, value T) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *cache[T]) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
