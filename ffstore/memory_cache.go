package ffstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process Cache with per-entry expiry, backed by go-cache.
type MemoryCache struct {
	cache *cache.Cache
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache. Entries stored with a non-positive TTL use defaultTTL.
// Expired entries are purged every cleanupInterval.
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryCache{cache: cache.New(defaultTTL, cleanupInterval)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return data.([]byte), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	c.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Remove implements Cache.
func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}
