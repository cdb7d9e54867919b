package ffclient

import "time"

// State is the synchronization state of a Client.
type State int

const (
	// StateUninitialized means the cache has never been loaded from a snapshot.
	StateUninitialized State = iota
	// StateSynced means the cache holds a snapshot and the change stream is not running.
	StateSynced
	// StateStreaming means the change stream is connected.
	StateStreaming
	// StateReconnecting means the change stream was lost and a reconnect is pending.
	StateReconnecting
	// StateStopped means the client has been closed. It is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSynced:
		return "SYNCED"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "???"
	}
}

// StateChange is delivered to state listeners whenever the Client's State changes.
type StateChange struct {
	State State
	// Err is the failure that caused the change, if any. It is set for StateReconnecting.
	Err error
	At  time.Time
}
