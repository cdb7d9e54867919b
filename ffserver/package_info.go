// Package ffserver is the flag server: a Service that owns flag mutations, auditing and change
// broadcasting, and the HTTP API in front of it.
package ffserver
