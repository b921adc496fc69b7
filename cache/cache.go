// Package cache provides the TTL cache service injected into federation components.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config sizes a cache. Zero values fall back to defaults.
type Config struct {
	Size        int
	TTL         time.Duration
	NegativeTTL time.Duration
}

const (
	defaultSize        = 4096
	defaultTTL         = 24 * time.Hour
	defaultNegativeTTL = 5 * time.Minute
)

// Cache holds positive entries and short-lived tombstones for keys whose lookup failed.
// Both sides expire on their own TTL; Invalidate drops a key from both.
type Cache[V any] struct {
	entries    *expirable.LRU[string, V]
	tombstones *expirable.LRU[string, error]
}

// New creates a cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	return &Cache[V]{
		entries:    expirable.NewLRU[string, V](cfg.Size, nil, cfg.TTL),
		tombstones: expirable.NewLRU[string, error](cfg.Size, nil, cfg.NegativeTTL),
	}
}

// Get returns a live entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.entries.Get(key)
}

// Set stores an entry and clears any tombstone for the key.
func (c *Cache[V]) Set(key string, value V) {
	c.tombstones.Remove(key)
	c.entries.Add(key, value)
}

// MarkMissing records that looking up key failed with err.
func (c *Cache[V]) MarkMissing(key string, err error) {
	c.tombstones.Add(key, err)
}

// Missing returns the error of a live tombstone for key.
func (c *Cache[V]) Missing(key string) (error, bool) {
	return c.tombstones.Get(key)
}

// Invalidate drops key from both the entries and the tombstones.
func (c *Cache[V]) Invalidate(key string) {
	c.entries.Remove(key)
	c.tombstones.Remove(key)
}

// Purge drops everything.
func (c *Cache[V]) Purge() {
	c.entries.Purge()
	c.tombstones.Purge()
}

// Len returns the number of live positive entries.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}
