package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses redelivered inbound messages. Entries expire after
// a TTL; when the cache exceeds maxEntries the oldest entries are evicted.
type DedupeCache struct {
	ttl        time.Duration
	maxEntries int

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// NewDedupeCache returns a cache with the given TTL and size cap. Values of
// zero fall back to 20 minutes and 5000 entries.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

// Seen records key and reports whether it was already present and unexpired.
// The first call for a key returns false; repeats within the TTL return true.
func (c *DedupeCache) Seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[key] = now
	if len(c.seen) > c.maxEntries {
		c.evictLocked(now)
	}
	return false
}

// evictLocked drops expired entries first, then the oldest live entries until
// the cache fits the cap again.
func (c *DedupeCache) evictLocked(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) > c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(c.seen, oldestKey)
	}
}

// Len reports the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
