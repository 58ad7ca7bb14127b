package models

import (
	"time"

	"github.com/google/uuid"
)

type ElectionReason string

const (
	ReasonShutdown ElectionReason = "shutdown"
	ReasonFailure  ElectionReason = "failure"
	ReasonManual   ElectionReason = "manual"
)

// ElectionLogEntry records one completed election. Append-only.
type ElectionLogEntry struct {
	ID               uuid.UUID      `json:"id"`
	PreviousMasterID *string        `json:"previous_master_id,omitempty"`
	NewMasterID      string         `json:"new_master_id"`
	Reason           ElectionReason `json:"reason"`
	Epoch            int64          `json:"epoch"`
	ParticipantCount int            `json:"participant_count"`
	Timestamp        time.Time      `json:"timestamp"`
}
