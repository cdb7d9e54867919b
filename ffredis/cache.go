package ffredis

import (
	"context"
	"errors"
	"time"

	"github.com/ffaaslite/go-ffaas/ffstore"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements ffstore.Cache with Redis strings.
type RedisCache struct {
	client  redis.UniversalClient
	owned   bool
	prefix  string
	loggers ldlog.Loggers
}

var _ ffstore.Cache = (*RedisCache)(nil)

func newRedisCache(client redis.UniversalClient, owned bool, prefix string, loggers ldlog.Loggers) *RedisCache {
	loggers.SetPrefix("RedisCache:")
	return &RedisCache{client: client, owned: owned, prefix: prefix, loggers: loggers}
}

// Get implements ffstore.Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		if c.loggers.IsDebugEnabled() {
			c.loggers.Debugf("Key %q not found", key)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set implements ffstore.Cache. A ttl of zero or less stores the value without expiration.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.cacheKey(key), value, ttl).Err()
}

// Remove implements ffstore.Cache.
func (c *RedisCache) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.cacheKey(key)).Err()
}

// Ping checks that Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool, unless the client was supplied with CacheBuilder.Client.
func (c *RedisCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) cacheKey(key string) string {
	return c.prefix + ":" + key
}
