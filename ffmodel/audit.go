package ffmodel

import "time"

// AuditAction is the kind of mutation recorded in an AuditEntry.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// AuditEntry records who changed a flag and what it looked like before and after.
type AuditEntry struct {
	ID      string
	Actor   string
	Action  AuditAction
	FlagKey string
	At      time.Time
	Before  *Flag
	After   *Flag
}
