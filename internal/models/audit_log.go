package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit operation types. The trail is the sole source of truth for "what
// happened and why", so every state transition and every failed operation
// gets an entry.
const (
	AuditOpPush               = "push"
	AuditOpPull               = "pull"
	AuditOpConflictResolution = "conflict_resolution"
	AuditOpRoleChange         = "role_change"
	AuditOpRegistration       = "registration"
	AuditOpRegistrationFailed = "registration_failed"
	AuditOpElectionFailed     = "election_failed"
	AuditOpDeviceOffline      = "device_offline"
)

// AuditLogEntry is append-only; rows are never updated or deleted.
type AuditLogEntry struct {
	ID               uuid.UUID `json:"id"`
	DeviceID         string    `json:"device_id"`
	OperationType    string    `json:"operation_type"`
	TableName        string    `json:"table_name,omitempty"`
	RecordID         string    `json:"record_id,omitempty"`
	OldValues        []byte    `json:"old_values,omitempty"`
	NewValues        []byte    `json:"new_values,omitempty"`
	ResolutionMethod *string   `json:"resolution_method,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// AuditFilter narrows audit trail reads. Zero-value fields are ignored.
type AuditFilter struct {
	DeviceID      string
	OperationType string
	From          time.Time
	To            time.Time
	Limit         int
}
