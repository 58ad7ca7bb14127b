package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/storegrid/tillsync/internal/models"
)

type DeviceRepository interface {
	// Upsert registers or refreshes a device. Re-registering an existing
	// id updates priority, display role and last_seen without creating a
	// duplicate.
	Upsert(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, deviceID string) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	UpdateRole(ctx context.Context, deviceID string, role models.DeviceRole) error
	UpdateLastSeen(ctx context.Context, deviceID string, seen time.Time) error
	SetActive(ctx context.Context, deviceID string, active bool) error
	// GetMaster returns the active master, or ErrNotFound when none exists.
	GetMaster(ctx context.Context) (*models.Device, error)
}

type ChangeLogRepository interface {
	// Append stores the record and assigns the next sequence id before
	// returning. The write is durable once Append returns nil.
	Append(ctx context.Context, record *models.ChangeRecord) error
	// GetSince returns records with sequence_id > since in ascending
	// order. Repeated calls with the same argument return identical sets.
	GetSince(ctx context.Context, since int64, limit int) ([]*models.ChangeRecord, error)
	// LatestForKey returns the most recent non-superseded change (by
	// origin timestamp, device id as tie-break) for a record key, or
	// ErrNotFound.
	LatestForKey(ctx context.Context, recordKey string) (*models.ChangeRecord, error)
	// MarkSuperseded flags a logged change that lost conflict resolution
	// so replays skip it. The record itself stays in the log.
	MarkSuperseded(ctx context.Context, id uuid.UUID) error
	LastSequence(ctx context.Context) (int64, error)
}

type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
}

type ElectionLogRepository interface {
	Append(ctx context.Context, entry *models.ElectionLogEntry) error
	List(ctx context.Context, limit int) ([]*models.ElectionLogEntry, error)
	// CurrentEpoch returns the epoch of the latest election, 0 when no
	// election has happened yet.
	CurrentEpoch(ctx context.Context) (int64, error)
}

type SyncStateRepository interface {
	Get(ctx context.Context, deviceID string) (*models.SyncState, error)
	Upsert(ctx context.Context, state *models.SyncState) error
}

type PresenceRepository interface {
	// Touch refreshes the liveness key for a device. The key expires on
	// its own if no heartbeat arrives within the TTL.
	Touch(ctx context.Context, deviceID string) error
	IsAlive(ctx context.Context, deviceID string) (bool, error)
	AliveSet(ctx context.Context, deviceIDs []string) (map[string]bool, error)
	Drop(ctx context.Context, deviceID string) error
}
