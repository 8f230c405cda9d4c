package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kenneth/image-keyring/internal/crypto"
	"github.com/kenneth/image-keyring/internal/model"
)

// CacheEntry represents a cached key.
type CacheEntry struct {
	Key       *model.EncryptionKey
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// KeyCache caches encryption keys, material included, by key id.
// Callers always receive copies; evicted material is zeroed.
type KeyCache interface {
	// Get retrieves a cached key.
	Get(ctx context.Context, id int64) (*model.EncryptionKey, bool)

	// Set stores a key. A zero ttl uses the cache default.
	Set(ctx context.Context, key *model.EncryptionKey, ttl time.Duration)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, id int64)

	// Clear clears all cached keys.
	Clear(ctx context.Context)

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of KeyCache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[int64]*CacheEntry
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory key cache.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) KeyCache {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &memoryCache{
		entries:  make(map[int64]*CacheEntry),
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// Get retrieves a cached key.
func (c *memoryCache) Get(ctx context.Context, id int64) (*model.EncryptionKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if entry.IsExpired() {
		c.removeLocked(id)
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry.Key.Clone(), true
}

// Set stores a key in the cache.
func (c *memoryCache) Set(ctx context.Context, key *model.EncryptionKey, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	entry := &CacheEntry{
		Key:       key.Clone(),
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key.ID]; exists {
		c.removeLocked(key.ID)
	}

	// Evict expired entries first
	c.evictExpiredLocked()
	if len(c.entries) >= c.maxItems {
		c.evictOldestLocked()
	}

	c.entries[key.ID] = entry
}

// Delete removes a key from the cache.
func (c *memoryCache) Delete(ctx context.Context, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

// Clear clears all cached keys.
func (c *memoryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.entries {
		c.removeLocked(id)
	}
	c.stats = CacheStats{}
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

// removeLocked drops an entry and scrubs its material (must be called with lock held).
func (c *memoryCache) removeLocked(id int64) {
	if entry, ok := c.entries[id]; ok {
		crypto.Zero(entry.Key.Material)
		delete(c.entries, id)
	}
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for id, entry := range c.entries {
		if entry.IsExpired() {
			c.removeLocked(id)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry closest to expiry (must be called with lock held).
func (c *memoryCache) evictOldestLocked() {
	var (
		victim int64
		oldest time.Time
		found  bool
	)
	for id, entry := range c.entries {
		if !found || entry.ExpiresAt.Before(oldest) {
			victim, oldest, found = id, entry.ExpiresAt, true
		}
	}
	if found {
		c.removeLocked(victim)
		c.stats.Evictions++
	}
}
