package ffpostgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/ffstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

var (
	// ErrNotReady is returned by Connect if the database does not answer the initial ping.
	ErrNotReady = errors.New("database is not ready")

	// ErrHealthcheckFailed wraps the error returned by Ping.
	ErrHealthcheckFailed = errors.New("database healthcheck failed")
)

// Store implements ffstore.FlagStore and ffstore.AuditSink on a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	owned   bool
	loggers ldlog.Loggers
}

var (
	_ ffstore.FlagStore = (*Store)(nil)
	_ ffstore.AuditSink = (*Store)(nil)
)

// Connect opens a pool for the given connection string and checks that the database is
// reachable. The pool is closed by Store.Close.
func Connect(ctx context.Context, connString string, loggers ldlog.Loggers) (*Store, error) {
	if connString == "" {
		return nil, errors.New("empty postgres connection string")
	}
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Join(ErrNotReady, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(ErrNotReady, err)
	}
	s := NewStore(pool, loggers)
	s.owned = true
	return s, nil
}

// NewStore creates a Store on an existing pool. Close does not close the pool.
func NewStore(pool *pgxpool.Pool, loggers ldlog.Loggers) *Store {
	loggers.SetPrefix("PostgresStore:")
	return &Store{pool: pool, loggers: loggers}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

// Close closes the pool if it was opened by Connect.
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// FindByKey implements ffstore.FlagStore.
func (s *Store) FindByKey(ctx context.Context, key string) (ffmodel.Flag, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM flags WHERE key = $1`, key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ffmodel.Flag{}, false, nil
	}
	if err != nil {
		return ffmodel.Flag{}, false, err
	}
	flag, err := unmarshalFlag(doc)
	if err != nil {
		return ffmodel.Flag{}, false, fmt.Errorf("stored flag %q is invalid: %w", key, err)
	}
	return flag, true, nil
}

// ListAll implements ffstore.FlagStore. Keys are ordered bytewise, regardless of the database
// collation.
func (s *Store) ListAll(ctx context.Context) ([]ffmodel.Flag, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM flags ORDER BY key COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	flags := make([]ffmodel.Flag, 0, len(docs))
	for _, doc := range docs {
		flag, err := unmarshalFlag(doc)
		if err != nil {
			return nil, fmt.Errorf("stored flag is invalid: %w", err)
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// Save implements ffstore.FlagStore.
func (s *Store) Save(ctx context.Context, flag ffmodel.Flag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flags (key, doc, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		flag.Key, marshalFlag(flag), flag.UpdatedAt)
	return err
}

// Delete implements ffstore.FlagStore.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Record implements ffstore.AuditSink.
func (s *Store) Record(ctx context.Context, entry ffmodel.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flag_audit (id, actor, action, flag_key, at, before, after)
		VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Actor, string(entry.Action), entry.FlagKey, entry.At,
		marshalOptionalFlag(entry.Before), marshalOptionalFlag(entry.After))
	return err
}

// List implements ffstore.AuditSink.
func (s *Store) List(ctx context.Context, limit int) ([]ffmodel.AuditEntry, error) {
	query := `SELECT id::text, actor, action, flag_key, at, before, after FROM flag_audit ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAuditEntry)
}

func scanAuditEntry(row pgx.CollectableRow) (ffmodel.AuditEntry, error) {
	var (
		entry         ffmodel.AuditEntry
		action        string
		at            time.Time
		before, after []byte
	)
	if err := row.Scan(&entry.ID, &entry.Actor, &action, &entry.FlagKey, &at, &before, &after); err != nil {
		return ffmodel.AuditEntry{}, err
	}
	entry.Action = ffmodel.AuditAction(action)
	entry.At = at.UTC()
	var err error
	if entry.Before, err = unmarshalOptionalFlag(before); err != nil {
		return ffmodel.AuditEntry{}, err
	}
	if entry.After, err = unmarshalOptionalFlag(after); err != nil {
		return ffmodel.AuditEntry{}, err
	}
	return entry, nil
}

func marshalFlag(flag ffmodel.Flag) []byte {
	w := jwriter.NewWriter()
	flag.WriteToJSONWriter(&w)
	return w.Bytes()
}

// A nil result is stored as SQL NULL.
func marshalOptionalFlag(flag *ffmodel.Flag) []byte {
	if flag == nil {
		return nil
	}
	return marshalFlag(*flag)
}

func unmarshalFlag(doc []byte) (ffmodel.Flag, error) {
	var flag ffmodel.Flag
	r := jreader.NewReader(doc)
	flag.ReadFromJSONReader(&r)
	return flag, r.Error()
}

func unmarshalOptionalFlag(doc []byte) (*ffmodel.Flag, error) {
	if doc == nil {
		return nil, nil
	}
	flag, err := unmarshalFlag(doc)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}
