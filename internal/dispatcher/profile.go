package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProfileFetcher looks up a sender's display name at the messaging provider.
type ProfileFetcher interface {
	FetchName(ctx context.Context, senderID string) (string, error)
}

// ProfileCache is a TTL cache over the profile API. Profiles change rarely
// and the provider rate-limits lookups, so hits are served for cacheTTL.
type ProfileCache struct {
	fetcher ProfileFetcher
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]profileEntry
}

type profileEntry struct {
	name    string
	expires time.Time
}

func NewProfileCache(fetcher ProfileFetcher, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProfileCache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: make(map[string]profileEntry),
	}
}

// Name returns the sender's display name, or "" when unknown. A fetch
// failure is cached as empty so a broken profile API is not hammered on
// every turn.
func (c *ProfileCache) Name(ctx context.Context, senderID string) string {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[senderID]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	name, err := c.fetcher.FetchName(ctx, senderID)
	if err != nil {
		slog.Debug("profile lookup failed", "sender", senderID, "error", err)
		name = ""
	}

	c.mu.Lock()
	c.entries[senderID] = profileEntry{name: name, expires: now.Add(c.ttl)}
	// Opportunistic sweep keeps the map from growing with one-off senders.
	if len(c.entries) > 4096 {
		for id, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, id)
			}
		}
	}
	c.mu.Unlock()
	return name
}
