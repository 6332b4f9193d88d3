package directory

import (
	"sync"
	"time"
)

// cache is a tiny TTL map. A zero ttl disables caching.
type cache[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
	ttl   time.Duration
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

func newCache[V any](ttl time.Duration) *cache[V] {
	return &cache[V]{store: make(map[string]cacheEntry[V]), ttl: ttl}
}

// get returns cached value and true if present and not expired.
func (c *cache[V]) get(k string) (V, bool) {
	var zero V
	if c.ttl <= 0 {
		return zero, false
	}
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return zero, false
	}
	return e.v, true
}

func (c *cache[V]) set(k string, v V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.store[k] = cacheEntry[V]{v: v, ts: time.Now()}
	c.mu.Unlock()
}
