package datastore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// FlagCache is the client's local copy of the server's flags, keyed by flag key.
//
// Implementation notes:
//
// Readers never take a lock. The current contents are an immutable map published through an
// atomic pointer, and every mutation builds a new map under updateLock and swaps it in. This keeps
// evaluation calls from ever waiting on the stream consumer or a snapshot refresh, and means a
// reader always sees either the whole of a snapshot replacement or none of it.
type FlagCache struct {
	flags      atomic.Pointer[map[string]ffmodel.Flag]
	updateLock sync.Mutex
	loggers    ldlog.Loggers
}

// NewFlagCache creates an empty FlagCache.
func NewFlagCache(loggers ldlog.Loggers) *FlagCache {
	c := &FlagCache{loggers: loggers}
	empty := map[string]ffmodel.Flag{}
	c.flags.Store(&empty)
	return c
}

func (c *FlagCache) current() map[string]ffmodel.Flag {
	return *c.flags.Load()
}

// Get returns the cached flag with the given key.
func (c *FlagCache) Get(key string) (ffmodel.Flag, bool) {
	f, ok := c.current()[key]
	if !ok && c.loggers.IsDebugEnabled() {
		c.loggers.Debugf("Flag %q not found in cache", key)
	}
	return f.Clone(), ok
}

// All returns copies of all cached flags, sorted by key.
func (c *FlagCache) All() []ffmodel.Flag {
	m := c.current()
	ret := make([]ffmodel.Flag, 0, len(m))
	for _, f := range m {
		ret = append(ret, f.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret
}

// Len returns the number of cached flags.
func (c *FlagCache) Len() int {
	return len(c.current())
}

// Replace sets the cache to exactly the given flags. Keys that are cached but absent from flags
// are evicted. It returns the keys that were evicted.
func (c *FlagCache) Replace(flags []ffmodel.Flag) []string {
	next := make(map[string]ffmodel.Flag, len(flags))
	for _, f := range flags {
		next[f.Key] = f.Clone()
	}

	c.updateLock.Lock()
	var evicted []string
	for key := range c.current() {
		if _, ok := next[key]; !ok {
			evicted = append(evicted, key)
		}
	}
	c.flags.Store(&next)
	c.updateLock.Unlock()

	sort.Strings(evicted)
	return evicted
}

// Upsert adds or replaces a single flag.
func (c *FlagCache) Upsert(flag ffmodel.Flag) {
	flag = flag.Clone()
	c.updateLock.Lock()
	prev := c.current()
	next := make(map[string]ffmodel.Flag, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[flag.Key] = flag
	c.flags.Store(&next)
	c.updateLock.Unlock()
}

// Delete removes a single flag. It returns false if the key was not cached.
func (c *FlagCache) Delete(key string) bool {
	c.updateLock.Lock()
	prev := c.current()
	_, found := prev[key]
	if found {
		next := make(map[string]ffmodel.Flag, len(prev))
		for k, v := range prev {
			if k != key {
				next[k] = v
			}
		}
		c.flags.Store(&next)
	}
	c.updateLock.Unlock()
	return found
}

// Apply applies a change event: Created and Updated upsert the flag snapshot, Deleted removes
// the key. It returns false if the event had no effect.
func (c *FlagCache) Apply(event ffmodel.FlagChangeEvent) bool {
	switch event.Type {
	case ffmodel.ChangeCreated, ffmodel.ChangeUpdated:
		if event.Payload.Flag == nil {
			return false
		}
		c.Upsert(*event.Payload.Flag)
		return true
	case ffmodel.ChangeDeleted:
		return c.Delete(event.Payload.Key)
	}
	return false
}
