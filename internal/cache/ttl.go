// Package cache provides a small process-scoped TTL cache with an injected
// clock and explicit eviction. It backs enrichment lookups (competitor name
// resolution) where a bounded window of staleness is acceptable.
package cache

import (
	"sync"
	"time"
)

// entry pairs a value with its expiry instant.
type entry struct {
	value     any
	expiresAt time.Time
}

// TTL is a mutex-guarded map cache where every entry expires after a fixed
// duration. Expired entries are dropped lazily on read and opportunistically
// on write; Purge forces a full sweep. Safe for concurrent use.
type TTL struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// New constructs a TTL cache. now may be nil, in which case time.Now is
// used; tests inject a fake clock.
func New(ttl time.Duration, now func() time.Time) *TTL {
	if now == nil {
		now = time.Now
	}
	return &TTL{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *TTL) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with a fresh TTL. Every 64th write sweeps
// expired entries so an append-heavy workload stays bounded.
func (c *TTL) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
	if len(c.entries)%64 == 0 {
		c.sweepLocked()
	}
}

// Delete removes key if present.
func (c *TTL) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge drops every expired entry and returns how many were removed.
func (c *TTL) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

// Len reports the number of stored entries, including not-yet-swept expired
// ones.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTL) sweepLocked() int {
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
