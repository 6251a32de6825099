// Package cache provides the entitlement state cache and a small
// in-process TTL map used for idempotence replay.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a mutex-guarded expiring map. Callers supply now explicitly so
// expiry follows the injected clock in tests.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	sweeps  int
}

func NewTTL[V any]() *TTL[V] {
	return &TTL[V]{entries: map[string]entry[V]{}}
}

func (c *TTL[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		var zero V
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

func (c *TTL[V]) Set(key string, value V, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}

	// Amortized sweep keeps the map from accumulating dead entries.
	c.sweeps++
	if c.sweeps >= 1024 {
		c.sweeps = 0
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
