// Package ffpostgres stores flags and the audit log in PostgreSQL.
//
// Each flag is kept as its JSON document in a jsonb column, keyed by flag key. The tables are
// expected to exist; EnsureSchema creates them for tests and local runs.
package ffpostgres
