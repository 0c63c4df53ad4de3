// Package dedup implements the receive-side deduplication cache: an
// insertion-ordered, size- and TTL-bounded set of recently seen
// fingerprints, keyed by the Full Fingerprint of spec.md §4.3.
package dedup

import (
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries and DefaultTTL mirror spec.md §3's "typ. 1000" and
// "typ. 300s" defaults.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 300 * time.Second
)

// Cache tracks recently observed correlation IDs by dedup key. The
// underlying expirable LRU already provides eviction on both size and
// per-entry TTL, so it is a direct fit for spec.md's "LRU + TTL set"
// requirement rather than something this package has to hand-roll.
type Cache struct {
	lru *lru.LRU[string, uuid.UUID]
}

// New constructs a Cache with the given bounds. maxEntries<=0 and
// ttl<=0 select the package defaults. onEvict, if non-nil, is called
// for every entry the LRU drops on either size or TTL eviction
// (spec.md §4.7's dedup_cache_evictions_total); a nil onEvict is a
// no-op, useful for tests that don't care about the metric.
func New(maxEntries int, ttl time.Duration, onEvict func(key string, correlationID uuid.UUID)) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onEvict == nil {
		onEvict = func(string, uuid.UUID) {}
	}
	return &Cache{lru: lru.NewLRU[string, uuid.UUID](maxEntries, onEvict, ttl)}
}

// Contains reports whether key is currently tracked.
func (c *Cache) Contains(key string) bool {
	return c.lru.Contains(key)
}

// Add records key against the given correlation ID, evicting the oldest
// entry if the cache is at capacity. Returns false if key was already
// present (the caller should treat this as a DuplicatePacket per
// spec.md's tie-break: "first to insert wins").
func (c *Cache) Add(key string, correlationID uuid.UUID) bool {
	if c.lru.Contains(key) {
		return false
	}
	c.lru.Add(key, correlationID)
	return true
}

// Len returns the current number of tracked entries, for the
// dedup_cache_size gauge.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Lookup returns the correlation ID stored for key, if present.
func (c *Cache) Lookup(key string) (uuid.UUID, bool) {
	return c.lru.Get(key)
}
