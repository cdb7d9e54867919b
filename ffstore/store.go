package ffstore

import (
	"context"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
)

// FlagStore persists flags, keyed uniquely by Flag.Key.
type FlagStore interface {
	// FindByKey returns the flag with the given key. The second return value is false if there is
	// none; that is not an error.
	FindByKey(ctx context.Context, key string) (ffmodel.Flag, bool, error)

	// ListAll returns every flag, sorted by key.
	ListAll(ctx context.Context) ([]ffmodel.Flag, error)

	// Save inserts the flag or replaces the one with the same key.
	Save(ctx context.Context, flag ffmodel.Flag) error

	// Delete removes the flag with the given key. It returns false if there was none.
	Delete(ctx context.Context, key string) (bool, error)
}

// AuditSink records flag mutations.
type AuditSink interface {
	// Record stores an entry.
	Record(ctx context.Context, entry ffmodel.AuditEntry) error

	// List returns at most limit entries, newest first.
	List(ctx context.Context, limit int) ([]ffmodel.AuditEntry, error)
}

// Cache is a byte-oriented key/value cache with per-entry expiry, used by CachedStore.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for a key. The second return value is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value. A ttl of zero or less means the implementation's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
