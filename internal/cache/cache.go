// Package cache provides a small generic in-memory TTL cache.
//
// The runner uses it for resolved interpreter paths (written once per
// language, cleared when an operator updates the runtime executables) and
// for the package-cache summary shown on the status page. Thread-safe via
// sync.RWMutex.
package cache

import (
	"sync"
	"time"
)

// NoExpiry disables TTL expiration; entries live until Delete or Clear.
const NoExpiry time.Duration = 0

// entry holds a cached value and its expiration time. A zero expiresAt
// means the entry never expires.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a generic in-memory cache. Keys must be comparable.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
}

// New creates a Cache whose entries expire after ttl. Pass NoExpiry for
// entries that live until explicitly removed.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
	}
}

// Get retrieves a value by key. Expired entries are removed lazily.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set adds or replaces a cache entry.
func (c *Cache[K, V]) Set(key K, value V) {
	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Delete removes a single entry. No-op when the key is absent.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry. Used when runtime executable paths change and
// every resolved interpreter must be re-probed.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of entries, counting expired ones not yet cleaned.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
