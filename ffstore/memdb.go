package ffstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/hashicorp/go-memdb"
)

const (
	flagsTable = "flags"
	auditTable = "audit"
	idIndex    = "id"
)

type flagRecord struct {
	Key  string
	Flag ffmodel.Flag
}

// Seq is zero-padded so that the string index orders records by insertion.
type auditRecord struct {
	Seq   string
	Entry ffmodel.AuditEntry
}

// MemDB is an in-memory FlagStore and AuditSink built on go-memdb. Flags are indexed uniquely by
// key, and audit entries by insertion sequence.
type MemDB struct {
	db      *memdb.MemDB
	seqLock sync.Mutex
	seq     uint64
}

var (
	_ FlagStore = (*MemDB)(nil)
	_ AuditSink = (*MemDB)(nil)
)

func memDBSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			flagsTable: {
				Name: flagsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			auditTable: {
				Name: auditTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Seq"},
					},
				},
			},
		},
	}
}

// NewMemDB creates an empty MemDB.
func NewMemDB() *MemDB {
	db, err := memdb.NewMemDB(memDBSchema())
	if err != nil {
		// the schema is static, so this can only be a programming error
		panic(err)
	}
	return &MemDB{db: db}
}

// FindByKey implements FlagStore.
func (m *MemDB) FindByKey(_ context.Context, key string) (ffmodel.Flag, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(flagsTable, idIndex, key)
	if err != nil || raw == nil {
		return ffmodel.Flag{}, false, err
	}
	return raw.(*flagRecord).Flag.Clone(), true, nil
}

// ListAll implements FlagStore. The key index is ordered, so results come back sorted.
func (m *MemDB) ListAll(_ context.Context) ([]ffmodel.Flag, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(flagsTable, idIndex)
	if err != nil {
		return nil, err
	}
	ret := []ffmodel.Flag{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ret = append(ret, raw.(*flagRecord).Flag.Clone())
	}
	return ret, nil
}

// Save implements FlagStore.
func (m *MemDB) Save(_ context.Context, flag ffmodel.Flag) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(flagsTable, &flagRecord{Key: flag.Key, Flag: flag.Clone()}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Delete implements FlagStore.
func (m *MemDB) Delete(_ context.Context, key string) (bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(flagsTable, idIndex, key)
	if err != nil {
		return false, err
	}
	txn.Commit()
	return n > 0, nil
}

// Record implements AuditSink.
func (m *MemDB) Record(_ context.Context, entry ffmodel.AuditEntry) error {
	m.seqLock.Lock()
	defer m.seqLock.Unlock()
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(auditTable, &auditRecord{Seq: fmt.Sprintf("%020d", m.seq+1), Entry: entry}); err != nil {
		return err
	}
	txn.Commit()
	m.seq++
	return nil
}

// List implements AuditSink.
func (m *MemDB) List(_ context.Context, limit int) ([]ffmodel.AuditEntry, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.GetReverse(auditTable, idIndex)
	if err != nil {
		return nil, err
	}
	ret := []ffmodel.AuditEntry{}
	for raw := it.Next(); raw != nil && (limit <= 0 || len(ret) < limit); raw = it.Next() {
		ret = append(ret, raw.(*auditRecord).Entry)
	}
	return ret, nil
}
