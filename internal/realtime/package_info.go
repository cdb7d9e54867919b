// Package realtime is the server side of the change stream: a registry of subscriber connections
// that change events and heartbeats are written to.
package realtime
