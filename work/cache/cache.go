package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache is a small expiring text cache, used for rewritten manifests and generated
// playlists. A zero duration disables it: Get always misses and Set is a no-op.
type Cache struct {
	store    *otter.Cache[string, string]
	duration time.Duration
}

// NewCache creates a cache whose entries expire duration after they are written.
//
// Parameters:
//   - duration: how long entries are considered valid
//   - maxEntries: upper bound on stored entries
func NewCache(duration time.Duration, maxEntries int) *Cache {
	if duration <= 0 {
		return &Cache{}
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}

	return &Cache{
		store: otter.Must(&otter.Options[string, string]{
			MaximumSize:      maxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
		duration: duration,
	}
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c.store != nil
}

// Duration returns the entry lifetime.
func (c *Cache) Duration() time.Duration {
	return c.duration
}

// Get returns the cached value for key if it is present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	return c.store.GetIfPresent(key)
}

// Set stores value under key.
func (c *Cache) Set(key, value string) {
	if c.store == nil {
		return
	}
	c.store.Set(key, value)
}

// Invalidate drops key.
func (c *Cache) Invalidate(key string) {
	if c.store == nil {
		return
	}
	c.store.Invalidate(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c.store == nil {
		return
	}
	c.store.InvalidateAll()
}
