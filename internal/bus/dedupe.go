package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers event signatures for a TTL window so webhook retries
// and double-taps never re-enter the pipeline. Eviction is a lazy sweep on
// each check, so there is no background timer writing to the map.
// Safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
	lastSweep  time.Time
}

// NewDedupeCache creates a cache that remembers signatures for ttl and holds
// at most maxEntries of them.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// ShouldProcess returns true and records the signature if it has not been
// seen within the TTL window; returns false for a replay.
func (c *DedupeCache) ShouldProcess(signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweepLocked(now)

	if at, ok := c.seen[signature]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[signature] = now
	return true
}

// IsDuplicate is the inverse of ShouldProcess, kept for call sites that read
// better in the negative.
func (c *DedupeCache) IsDuplicate(signature string) bool {
	return !c.ShouldProcess(signature)
}

// Len returns the number of tracked signatures (expired entries included
// until the next sweep).
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries. A full sweep runs at most once per
// ttl/4; the hard cap is enforced every call so the map never grows unbounded
// under a burst of unique signatures.
func (c *DedupeCache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) >= c.ttl/4 {
		for sig, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, sig)
			}
		}
		c.lastSweep = now
	}

	// Hard eviction if still over cap (arbitrary victims via map iteration).
	for len(c.seen) >= c.maxEntries {
		for sig := range c.seen {
			delete(c.seen, sig)
			break
		}
	}
}
