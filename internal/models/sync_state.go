package models

import "time"

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// SyncState tracks sync progress per device. Mutated exclusively by the
// sync coordinator for that device.
type SyncState struct {
	DeviceID            string     `json:"device_id"`
	SyncStatus          SyncStatus `json:"sync_status"`
	PendingChangesCount int        `json:"pending_changes_count"`
	LastSyncTimestamp   *time.Time `json:"last_sync_timestamp,omitempty"`
	LastErrorMessage    *string    `json:"last_error_message,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NewSyncState returns the initial state for a freshly registered device.
func NewSyncState(deviceID string) *SyncState {
	return &SyncState{
		DeviceID:   deviceID,
		SyncStatus: SyncStatusPending,
		UpdatedAt:  time.Now().UTC(),
	}
}
