package ffstore

import (
	"context"
	"time"

	"github.com/launchdarkly/ccache"
)

// LRUCache is an in-process Cache that holds at most a fixed number of entries, evicting the
// least recently used, backed by ccache.
type LRUCache struct {
	cache      *ccache.Cache
	defaultTTL time.Duration
}

var _ Cache = (*LRUCache)(nil)

// NewLRUCache creates an LRUCache holding up to maxEntries entries. Entries stored with a
// non-positive TTL use defaultTTL.
func NewLRUCache(maxEntries int64, defaultTTL time.Duration) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	return &LRUCache{
		cache:      ccache.New(ccache.Configure().MaxSize(maxEntries)),
		defaultTTL: defaultTTL,
	}
}

// Get implements Cache. Expired entries are treated as misses.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := c.cache.Get(key)
	if item == nil || item.Expired() {
		return nil, false, nil
	}
	return item.Value().([]byte), true, nil
}

// Set implements Cache.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Remove implements Cache.
func (c *LRUCache) Remove(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

// Stop releases the cache's background goroutine.
func (c *LRUCache) Stop() {
	c.cache.Stop()
}
