package ffredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultURL is the Redis URL used if none is specified.
	DefaultURL = "redis://localhost:6379"

	// DefaultPrefix is prepended, along with a colon, to every key the cache uses.
	DefaultPrefix = "ffaas"

	// DefaultConnectTimeout bounds the initial ping in Build.
	DefaultConnectTimeout = 5 * time.Second
)

// ErrNotReady is returned by Build if Redis does not answer the initial ping.
var ErrNotReady = errors.New("redis is not ready")

// CacheBuilder configures a Redis cache. Obtain one with Cache().
//
// Builder calls can be chained:
//
//	ffredis.Cache().URL("redis://hostname").Prefix("prefix")
type CacheBuilder struct {
	prefix         string
	url            string
	client         redis.UniversalClient
	connectTimeout time.Duration
}

// Cache returns a builder with the default settings.
func Cache() *CacheBuilder {
	return &CacheBuilder{
		prefix:         DefaultPrefix,
		url:            DefaultURL,
		connectTimeout: DefaultConnectTimeout,
	}
}

// Prefix sets the key prefix. An empty prefix means DefaultPrefix.
func (b *CacheBuilder) Prefix(prefix string) *CacheBuilder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	b.prefix = prefix
	return b
}

// URL sets the Redis URL, in any form accepted by redis.ParseURL, including a password, a
// database number, and rediss:// for TLS. An empty URL means DefaultURL.
func (b *CacheBuilder) URL(url string) *CacheBuilder {
	if url == "" {
		url = DefaultURL
	}
	b.url = url
	return b
}

// Client makes the cache use an existing client, such as a cluster or sentinel client. The URL
// is then ignored, and Close on the cache does not close the client.
func (b *CacheBuilder) Client(client redis.UniversalClient) *CacheBuilder {
	b.client = client
	return b
}

// ConnectTimeout sets how long Build waits for the initial ping.
func (b *CacheBuilder) ConnectTimeout(timeout time.Duration) *CacheBuilder {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	b.connectTimeout = timeout
	return b
}

// Build creates the cache and checks that Redis is reachable.
func (b *CacheBuilder) Build(ctx context.Context, loggers ldlog.Loggers) (*RedisCache, error) {
	client, owned := b.client, false
	if client == nil {
		opts, err := redis.ParseURL(b.url)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		client, owned = redis.NewClient(opts), true
	}

	pingCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, errors.Join(ErrNotReady, err)
	}
	return newRedisCache(client, owned, b.prefix, loggers), nil
}
