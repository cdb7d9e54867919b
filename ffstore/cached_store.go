package ffstore

import (
	"context"
	"sync"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/sync/singleflight"
)

const (
	allFlagsCacheKey = "flags:all"

	// DefaultCacheTTL is used by NewCachedStore when the TTL is not positive.
	DefaultCacheTTL = 2 * time.Minute

	sharedLoadTimeout = 30 * time.Second
)

// FlagCacheKey returns the cache key under which a single flag is stored.
func FlagCacheKey(key string) string {
	return "flag:" + key
}

// CachedStore is a cache-aside wrapper around a FlagStore. Reads are served from the cache when
// possible; misses read the underlying store, and concurrent misses for the same key share one
// read. Save and Delete write through to the store and then invalidate the affected entries.
//
// A read that was in flight while an entry was invalidated does not fill the cache, so a value
// read before a Save can never be cached after it. A shared read is not tied to the context of the
// caller that started it: a caller whose context ends stops waiting, and the others still get the
// result.
//
// The cache is an optimization only. A cache that fails is logged and bypassed.
type CachedStore struct {
	core     FlagStore
	cache    Cache
	ttl      time.Duration
	requests singleflight.Group
	loggers  ldlog.Loggers

	fillLock   sync.Mutex
	generation uint64
}

var _ FlagStore = (*CachedStore)(nil)

// NewCachedStore wraps core with the given cache.
func NewCachedStore(core FlagStore, cache Cache, ttl time.Duration, loggers ldlog.Loggers) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{core: core, cache: cache, ttl: ttl, loggers: loggers}
}

// FindByKey implements FlagStore.
func (s *CachedStore) FindByKey(ctx context.Context, key string) (ffmodel.Flag, bool, error) {
	cacheKey := FlagCacheKey(key)
	if data, ok := s.cacheGet(ctx, cacheKey); ok {
		var flag ffmodel.Flag
		if err := flag.UnmarshalJSON(data); err == nil {
			return flag, true, nil
		}
		s.loggers.Warnf("Ignoring undecodable cache entry %q", cacheKey)
	}

	type found struct {
		flag ffmodel.Flag
		ok   bool
	}
	result, err := s.shared(ctx, "get:"+key, func(loadCtx context.Context) (interface{}, error) {
		gen := s.currentGeneration()
		flag, ok, err := s.core.FindByKey(loadCtx, key)
		if err != nil || !ok {
			return found{}, err
		}
		w := jwriter.NewWriter()
		flag.WriteToJSONWriter(&w)
		s.cacheFill(loadCtx, gen, cacheKey, w.Bytes())
		return found{flag, true}, nil
	})
	if err != nil {
		return ffmodel.Flag{}, false, err
	}
	f := result.(found)
	return f.flag.Clone(), f.ok, nil
}

// ListAll implements FlagStore.
func (s *CachedStore) ListAll(ctx context.Context) ([]ffmodel.Flag, error) {
	if data, ok := s.cacheGet(ctx, allFlagsCacheKey); ok {
		r := jreader.NewReader(data)
		flags := ffmodel.ReadFlagList(&r)
		if r.Error() == nil {
			return flags, nil
		}
		s.loggers.Warnf("Ignoring undecodable cache entry %q", allFlagsCacheKey)
	}

	result, err := s.shared(ctx, "all", func(loadCtx context.Context) (interface{}, error) {
		gen := s.currentGeneration()
		flags, err := s.core.ListAll(loadCtx)
		if err != nil {
			return nil, err
		}
		w := jwriter.NewWriter()
		ffmodel.WriteFlagList(&w, flags)
		s.cacheFill(loadCtx, gen, allFlagsCacheKey, w.Bytes())
		return flags, nil
	})
	if err != nil {
		return nil, err
	}
	shared := result.([]ffmodel.Flag)
	ret := make([]ffmodel.Flag, len(shared))
	for i, f := range shared {
		ret[i] = f.Clone()
	}
	return ret, nil
}

// shared runs load once for all concurrent callers using the same key. The load gets a context
// that keeps ctx's values but not its cancellation, bounded by sharedLoadTimeout.
func (s *CachedStore) shared(
	ctx context.Context,
	key string,
	load func(context.Context) (interface{}, error),
) (interface{}, error) {
	ch := s.requests.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return load(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Save implements FlagStore.
func (s *CachedStore) Save(ctx context.Context, flag ffmodel.Flag) error {
	if err := s.core.Save(ctx, flag); err != nil {
		return err
	}
	s.invalidate(ctx, flag.Key)
	return nil
}

// Delete implements FlagStore.
func (s *CachedStore) Delete(ctx context.Context, key string) (bool, error) {
	deleted, err := s.core.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, key)
	return deleted, nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	s.fillLock.Lock()
	defer s.fillLock.Unlock()
	s.generation++
	for _, cacheKey := range []string{FlagCacheKey(key), allFlagsCacheKey} {
		if err := s.cache.Remove(ctx, cacheKey); err != nil {
			s.loggers.Warnf("Failed to invalidate cache entry %q: %s", cacheKey, err)
		}
	}
}

func (s *CachedStore) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.loggers.Warnf("Cache read of %q failed: %s", key, err)
		return nil, false
	}
	return data, ok
}

func (s *CachedStore) currentGeneration() uint64 {
	s.fillLock.Lock()
	defer s.fillLock.Unlock()
	return s.generation
}

// cacheFill stores a value read from the core store, unless something was invalidated since gen
// was taken.
func (s *CachedStore) cacheFill(ctx context.Context, gen uint64, key string, data []byte) {
	s.fillLock.Lock()
	defer s.fillLock.Unlock()
	if s.generation != gen {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.loggers.Warnf("Cache write of %q failed: %s", key, err)
	}
}
