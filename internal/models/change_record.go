package models

import (
	"time"

	"github.com/google/uuid"
)

type ChangeOperation string

const (
	OpInsert ChangeOperation = "insert"
	OpUpdate ChangeOperation = "update"
	OpDelete ChangeOperation = "delete"
)

// ValidOperation reports whether s is a known change operation.
func ValidOperation(s string) bool {
	switch ChangeOperation(s) {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeRecord is the unit stored in the change log. SequenceID is
// assigned by the master at append time and is strictly increasing with
// no gaps within an epoch. A record's content never changes after append;
// Superseded is the one flag conflict resolution may set afterwards, so
// a write that lost stays in the log for audit but appliers skip it.
type ChangeRecord struct {
	ID              uuid.UUID       `json:"id"`
	RecordKey       string          `json:"record_key"`
	Operation       ChangeOperation `json:"operation"`
	Payload         []byte          `json:"payload"`
	OriginDeviceID  string          `json:"origin_device_id"`
	OriginTimestamp time.Time       `json:"origin_timestamp"`
	SequenceID      int64           `json:"sequence_id"`
	Epoch           int64           `json:"epoch"`
	Superseded      bool            `json:"superseded,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
