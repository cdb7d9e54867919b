// Package ffredis provides a Redis backend for the flag server's read-through cache.
//
// The cache holds serialized flags under prefixed keys, so several servers can share one Redis
// instance:
//
//	cache, err := ffredis.Cache().URL("redis://cache:6379").Prefix("ffaas").Build(ctx, loggers)
//	store := ffstore.NewCachedStore(core, cache, ttl, loggers)
//
// The cache is an optimization only. Errors are returned to the caller, which bypasses the cache
// and reads through to the underlying store.
package ffredis
