// Package feed implements the change-feed wire protocol: a text event stream carrying
// "flag-change" events with a version id, periodic "heartbeat" events, and a "retry" directive
// that advises consumers how long to wait before reconnecting.
package feed
