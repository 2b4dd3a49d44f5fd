// ABOUTME: TTL-bounded, size-capped tracker for idempotency keys.
// ABOUTME: CheckAndMark is the only mutation path; expiry runs inline on insert.

package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	key  string
	seen time.Time
}

// Cache remembers idempotency keys for a TTL window, holding at most
// maxSize keys. There is no background goroutine: expired entries are
// swept inline whenever a new key is marked, which keeps the cache safe
// to drop without a Close call.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []entry // insertion order, oldest first
	ttl     time.Duration
	maxSize int
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically reports whether key was already seen within the
// TTL, marking it as seen when it was not. Returns true for duplicates.
func (c *Cache) CheckAndMark(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.seen[key]; ok && now.Sub(seen) < c.ttl {
		return true
	}

	c.sweepLocked(now)
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = now
	c.order = append(c.order, entry{key: key, seen: now})
	return false
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries from the front of the order queue.
// Must be called with mu held.
func (c *Cache) sweepLocked(now time.Time) {
	i := 0
	for ; i < len(c.order); i++ {
		e := c.order[i]
		if now.Sub(e.seen) < c.ttl {
			break
		}
		// Only delete when the map entry still refers to this insertion;
		// a re-marked key has a newer timestamp.
		if seen, ok := c.seen[e.key]; ok && seen.Equal(e.seen) {
			delete(c.seen, e.key)
		}
	}
	if i > 0 {
		c.order = c.order[i:]
	}
}

// evictOldestLocked removes the oldest live entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		e := c.order[0]
		c.order = c.order[1:]
		if seen, ok := c.seen[e.key]; ok && seen.Equal(e.seen) {
			delete(c.seen, e.key)
			return
		}
	}
}
