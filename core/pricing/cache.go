// Package pricing caches provider quotes per (provider, instance class).
package pricing

import (
	"sync"
	"time"

	"media-orchestrator/core/clock"
	"media-orchestrator/providers"
)

// Key identifies a cached quote.
type Key struct {
	Provider      string
	InstanceClass string
}

// Cache stores the last successful quote per key. Reads are concurrent;
// writes are last-write-wins per key, monotonic by fetch timestamp: a late
// arriving older quote never overwrites a newer one.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]providers.Quote
	maxAge  time.Duration
	clk     clock.Clock
}

// NewCache creates a cache with the given staleness bound.
func NewCache(maxAge time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		entries: make(map[Key]providers.Quote),
		maxAge:  maxAge,
		clk:     clk,
	}
}

// Put stores a quote unless a newer one is already cached.
func (c *Cache) Put(provider, instanceClass string, q providers.Quote) {
	key := Key{provider, instanceClass}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur.FetchedAt.After(q.FetchedAt) {
		return
	}
	c.entries[key] = q
}

// Get returns the cached quote and its age.
func (c *Cache) Get(provider, instanceClass string) (providers.Quote, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.entries[Key{provider, instanceClass}]
	if !ok {
		return providers.Quote{}, 0, false
	}
	return q, c.clk.Since(q.FetchedAt), true
}

// Fresh reports whether a cached quote exists and is within the staleness
// bound. Stale quotes may still be used for coarse first-pass filtering,
// but never for a final placement decision.
func (c *Cache) Fresh(provider, instanceClass string) bool {
	_, age, ok := c.Get(provider, instanceClass)
	return ok && age <= c.maxAge
}

// MaxAge returns the configured staleness bound.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}
