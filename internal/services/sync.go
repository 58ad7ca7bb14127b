package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
)

// Forwarder relays a push to the device currently holding the master
// role, for nodes that receive writes while in the client role.
type Forwarder interface {
	ForwardPush(ctx context.Context, master *models.Device, deviceID string, change *models.ChangeRecord) (*PushResult, error)
}

type PushResult struct {
	SequenceID int64       `json:"sequence_id"`
	Epoch      int64       `json:"epoch"`
	Conflict   *Resolution `json:"conflict,omitempty"`
	Forwarded  bool        `json:"forwarded,omitempty"`
}

type PullResult struct {
	Changes        []*models.ChangeRecord `json:"changes"`
	MasterDeviceID string                 `json:"master_device_id"`
}

// SyncCoordinator orchestrates push and pull exchanges against the change
// log and maintains per-device sync state.
type SyncCoordinator struct {
	localDeviceID string
	registry      *Registry
	changes       repositories.ChangeLogRepository
	states        repositories.SyncStateRepository
	elections     repositories.ElectionLogRepository
	audit         repositories.AuditRepository
	resolver      *ConflictResolver
	notifier      Notifier
	forwarder     Forwarder
	log           *logger.Logger
	now           func() time.Time
}

func NewSyncCoordinator(
	localDeviceID string,
	registry *Registry,
	changes repositories.ChangeLogRepository,
	states repositories.SyncStateRepository,
	elections repositories.ElectionLogRepository,
	audit repositories.AuditRepository,
	resolver *ConflictResolver,
	notifier Notifier,
	log *logger.Logger,
) *SyncCoordinator {
	return &SyncCoordinator{
		localDeviceID: localDeviceID,
		registry:      registry,
		changes:       changes,
		states:        states,
		elections:     elections,
		audit:         audit,
		resolver:      resolver,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
	}
}

// SetForwarder installs the relay used when this node is a client and a
// push needs to reach the master. Without one, such pushes fail with
// ErrNotMaster and the caller retries against the master directly.
func (c *SyncCoordinator) SetForwarder(f Forwarder) {
	c.forwarder = f
}

// Push validates a change, resolves conflicts, appends it to the change
// log with the next sequence id and updates the pusher's sync state. The
// append is the single serialization point; the record is durable before
// Push returns. Append failures surface as errors, never silently drop
// the record.
func (c *SyncCoordinator) Push(ctx context.Context, deviceID string, change *models.ChangeRecord) (*PushResult, error) {
	if err := c.validateChange(ctx, deviceID, change); err != nil {
		return nil, err
	}
	if change.OriginDeviceID == "" {
		change.OriginDeviceID = deviceID
	}

	master, err := c.registry.CurrentMaster(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, c.failPush(ctx, deviceID, change, ErrNoMaster)
	}
	if err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}

	if master.DeviceID != c.localDeviceID {
		if c.forwarder == nil {
			return nil, ErrNotMaster
		}
		result, err := c.forwarder.ForwardPush(ctx, master, deviceID, change)
		if err != nil {
			return nil, c.failPush(ctx, deviceID, change, err)
		}
		result.Forwarded = true
		return result, nil
	}

	resolution, err := c.resolver.Evaluate(ctx, change)
	if err != nil {
		return nil, c.failPush(ctx, deviceID, change, err)
	}
	if resolution != nil {
		if resolution.Winner == change {
			// The previously logged write lost; flag it so replays and
			// conflict checks converge on the incoming value.
			if err := c.changes.MarkSuperseded(ctx, resolution.Loser.ID); err != nil {
				return nil, c.failPush(ctx, deviceID, change, err)
			}
		} else {
			// The incoming write lost. It still enters the log for audit
			// and review, but flagged so it never becomes the visible
			// value no matter the arrival order.
			change.Superseded = true
		}
	}

	epoch, err := c.elections.CurrentEpoch(ctx)
	if err != nil {
		return nil, c.failPush(ctx, deviceID, change, err)
	}
	change.Epoch = epoch

	if err := c.changes.Append(ctx, change); err != nil {
		return nil, c.failPush(ctx, deviceID, change, err)
	}

	if err := c.recordSynced(ctx, deviceID, true); err != nil {
		return nil, err
	}

	table, recordID := SplitRecordKey(change.RecordKey)
	if err := c.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      deviceID,
		OperationType: models.AuditOpPush,
		TableName:     table,
		RecordID:      recordID,
		NewValues:     change.Payload,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit push: %w", err)
	}

	// A superseded change never reaches the fleet as a data update; the
	// winning value was already announced when it arrived.
	if !change.Superseded {
		c.notifier.Broadcast(models.DataUpdate{
			DeviceID:        change.OriginDeviceID,
			RecordKey:       change.RecordKey,
			Operation:       change.Operation,
			Payload:         change.Payload,
			OriginTimestamp: change.OriginTimestamp,
		})
	}
	if resolution != nil {
		c.notifier.Broadcast(models.SyncConflict{
			RecordKey:  resolution.RecordKey,
			Resolution: resolution.Method,
		})
	}

	return &PushResult{
		SequenceID: change.SequenceID,
		Epoch:      change.Epoch,
		Conflict:   resolution,
	}, nil
}

// Pull returns all changes with sequence ids above since, in ascending
// order. Safe to repeat: the same argument yields the same set, and the
// caller tracks its own last-applied sequence id.
func (c *SyncCoordinator) Pull(ctx context.Context, deviceID string, since int64) (*PullResult, error) {
	records, err := c.changes.GetSince(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	masterID := ""
	if master, err := c.registry.CurrentMaster(ctx); err == nil {
		masterID = master.DeviceID
	}

	if deviceID != "" {
		if err := c.recordSynced(ctx, deviceID, false); err != nil {
			return nil, err
		}
		if err := c.audit.Append(ctx, &models.AuditLogEntry{
			DeviceID:      deviceID,
			OperationType: models.AuditOpPull,
			TableName:     "change_log",
			RecordID:      fmt.Sprintf("since_%d", since),
		}); err != nil {
			return nil, fmt.Errorf("failed to audit pull: %w", err)
		}
	}

	return &PullResult{Changes: records, MasterDeviceID: masterID}, nil
}

// ApplyRemote records that changes fetched from the master have been
// applied on this terminal. Superseded records are counted but skipped;
// the local sync state moves to synced.
func (c *SyncCoordinator) ApplyRemote(ctx context.Context, changes []*models.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	skipped := 0
	for _, change := range changes {
		if change.Superseded {
			skipped++
		}
	}
	if err := c.recordSynced(ctx, c.localDeviceID, false); err != nil {
		return err
	}
	c.log.Debug().
		Int("applied", len(changes)-skipped).
		Int("superseded_skipped", skipped).
		Msg("applied changes from master")
	return nil
}

// Status returns the device's sync state, defaulting to pending for
// devices that never synced.
func (c *SyncCoordinator) Status(ctx context.Context, deviceID string) (*models.SyncState, error) {
	state, err := c.states.Get(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.NewSyncState(deviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	return state, nil
}

// AddPending bumps the device's pending counter; used when a change is
// queued locally before it can reach the master.
func (c *SyncCoordinator) AddPending(ctx context.Context, deviceID string, delta int) error {
	state, err := c.Status(ctx, deviceID)
	if err != nil {
		return err
	}
	state.PendingChangesCount += delta
	if state.PendingChangesCount < 0 {
		state.PendingChangesCount = 0
	}
	if state.SyncStatus != models.SyncStatusError {
		state.SyncStatus = models.SyncStatusPending
	}
	return c.states.Upsert(ctx, state)
}

func (c *SyncCoordinator) validateChange(ctx context.Context, deviceID string, change *models.ChangeRecord) error {
	var verr *ValidationError
	switch {
	case deviceID == "":
		verr = &ValidationError{Field: "device_id", Message: "must not be empty"}
	case change == nil:
		verr = &ValidationError{Field: "change", Message: "must not be empty"}
	case change.RecordKey == "":
		verr = &ValidationError{Field: "record_key", Message: "must not be empty"}
	case !models.ValidOperation(string(change.Operation)):
		verr = &ValidationError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", change.Operation)}
	case change.OriginTimestamp.IsZero():
		verr = &ValidationError{Field: "origin_timestamp", Message: "must be set"}
	}
	if verr == nil {
		return nil
	}

	id := deviceID
	if id == "" {
		id = "unknown"
	}
	if err := c.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      id,
		OperationType: models.AuditOpPush,
		TableName:     "change_log",
		RecordID:      "validation_failed",
	}); err != nil {
		c.log.Error().Err(err).Msg("failed to audit rejected push")
	}
	return verr
}

// recordSynced marks a successful exchange on the device's sync state.
// Pushes drain one pending change; pulls only refresh the timestamp.
func (c *SyncCoordinator) recordSynced(ctx context.Context, deviceID string, drainPending bool) error {
	state, err := c.Status(ctx, deviceID)
	if err != nil {
		return err
	}
	if drainPending && state.PendingChangesCount > 0 {
		state.PendingChangesCount--
	}
	now := c.now().UTC()
	state.SyncStatus = models.SyncStatusSynced
	state.LastSyncTimestamp = &now
	state.LastErrorMessage = nil
	if err := c.states.Upsert(ctx, state); err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// failPush records the failure on the pusher's sync state and the audit
// trail, then returns the original error wrapped.
func (c *SyncCoordinator) failPush(ctx context.Context, deviceID string, change *models.ChangeRecord, cause error) error {
	state, err := c.Status(ctx, deviceID)
	if err == nil {
		msg := cause.Error()
		state.SyncStatus = models.SyncStatusError
		state.LastErrorMessage = &msg
		if uerr := c.states.Upsert(ctx, state); uerr != nil {
			c.log.Error().Err(uerr).Msg("failed to flag sync error state")
		}
	}

	table, recordID := SplitRecordKey(change.RecordKey)
	if aerr := c.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      deviceID,
		OperationType: models.AuditOpPush,
		TableName:     table,
		RecordID:      recordID,
		NewValues:     change.Payload,
	}); aerr != nil {
		c.log.Error().Err(aerr).Msg("failed to audit push failure")
	}

	c.notifier.Broadcast(models.SyncError{
		ErrorCode: "push_failed",
		Message:   cause.Error(),
	})

	return fmt.Errorf("push failed: %w", cause)
}
