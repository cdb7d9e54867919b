// Package ffstore contains the storage collaborators of the flag server: the interfaces the server
// persists flags and audit entries through, an in-memory implementation of both, and a
// cache-aside wrapper with in-process cache backends.
//
// Database-backed implementations are in the ffpostgres and ffredis packages.
package ffstore
