// Package internal contains client implementation details that are shared between packages but
// are not exposed to application code. The datasource and datastore subpackages hold the
// client's network and cache components; feed and realtime hold the change stream codec and the
// server's broadcaster.
package internal
