package ffmodel

import "strings"

// ChangeType is the kind of mutation described by a FlagChangeEvent.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ParseChangeType converts a string to a ChangeType, ignoring case.
func ParseChangeType(s string) (ChangeType, bool) {
	switch t := ChangeType(strings.ToLower(s)); t {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return t, true
	}
	return "", false
}

// FlagChangePayload identifies the changed flag. Flag is nil for deletions.
type FlagChangePayload struct {
	Key  string
	Flag *Flag
}

// FlagChangeEvent is a versioned notification of a flag mutation. Version is assigned by the
// server from a single process-wide counter and increases with every event.
type FlagChangeEvent struct {
	Type    ChangeType
	Version int64
	Payload FlagChangePayload
}

// NewUpsertEvent creates a Created or Updated event carrying a snapshot of the flag. The version
// is left at zero for the broadcaster to assign.
func NewUpsertEvent(changeType ChangeType, flag Flag) FlagChangeEvent {
	snapshot := flag.Clone()
	return FlagChangeEvent{Type: changeType, Payload: FlagChangePayload{Key: flag.Key, Flag: &snapshot}}
}

// NewDeleteEvent creates a Deleted event for the key.
func NewDeleteEvent(key string) FlagChangeEvent {
	return FlagChangeEvent{Type: ChangeDeleted, Payload: FlagChangePayload{Key: key}}
}
