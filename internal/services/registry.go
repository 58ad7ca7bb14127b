package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
)

// Registry owns device presence: who exists, which sync role each device
// holds, and who is alive. Every other component reads and mutates that
// state through here, never directly.
type Registry struct {
	devices  repositories.DeviceRepository
	presence repositories.PresenceRepository
	states   repositories.SyncStateRepository
	audit    repositories.AuditRepository
	notifier Notifier
	log      *logger.Logger

	heartbeatTimeout time.Duration
	now              func() time.Time
}

func NewRegistry(
	devices repositories.DeviceRepository,
	presence repositories.PresenceRepository,
	states repositories.SyncStateRepository,
	audit repositories.AuditRepository,
	notifier Notifier,
	heartbeatTimeout time.Duration,
	log *logger.Logger,
) *Registry {
	return &Registry{
		devices:          devices,
		presence:         presence,
		states:           states,
		audit:            audit,
		notifier:         notifier,
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
		now:              time.Now,
	}
}

type RegisterRequest struct {
	DeviceID     string `json:"device_id"`
	DeclaredRole string `json:"role,omitempty"`
	DisplayRole  string `json:"display_role,omitempty"`
	Priority     int    `json:"priority"`
}

type RegistrationResult struct {
	Device         *models.Device    `json:"device"`
	AssignedRole   models.DeviceRole `json:"assigned_role"`
	MasterDeviceID string            `json:"master_device_id"`
}

// Register creates or refreshes a device. It is idempotent: re-registering
// an existing id updates priority and display role without duplicating.
// The assigned sync role ignores the declared one when another master is
// already active, so a returning former master always comes back as a
// client and waits for a fresh election.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegistrationResult, error) {
	if err := r.validateRegistration(ctx, req); err != nil {
		return nil, err
	}

	device := &models.Device{
		DeviceID:    req.DeviceID,
		Role:        models.RoleClient,
		DisplayRole: req.DisplayRole,
		Priority:    req.Priority,
	}
	if err := r.devices.Upsert(ctx, device); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	if err := r.presence.Touch(ctx, req.DeviceID); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	// Mastership resolves against the OTHER devices. The upsert already
	// refreshed this device's last_seen, so asking for "the" active
	// master here would hand a returning former master its old role back
	// just for having the freshest row.
	master, err := r.activeMasterExcluding(ctx, req.DeviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		// No other active master; first (or only) device in takes it.
		if device.Role != models.RoleMaster {
			if err := r.AssignRole(ctx, req.DeviceID, models.RoleMaster, "first_online"); err != nil {
				return nil, err
			}
			device.Role = models.RoleMaster
		}
		master = device
	} else if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	} else if device.Role == models.RoleMaster {
		// Stale master row from a previous run rejoining as client.
		if err := r.AssignRole(ctx, req.DeviceID, models.RoleClient, "post_handover"); err != nil {
			return nil, err
		}
		device.Role = models.RoleClient
	}

	if err := r.ensureSyncState(ctx, req.DeviceID); err != nil {
		return nil, err
	}

	values, _ := json.Marshal(req)
	if err := r.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      req.DeviceID,
		OperationType: models.AuditOpRegistration,
		TableName:     "devices",
		RecordID:      req.DeviceID,
		NewValues:     values,
	}); err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	r.notifier.Broadcast(models.DeviceOnline{
		DeviceID: req.DeviceID,
		Role:     device.Role,
		Priority: req.Priority,
	})

	r.log.Info().
		Str("registered_device", req.DeviceID).
		Str("role", string(device.Role)).
		Int("priority", req.Priority).
		Msg("device registered")

	return &RegistrationResult{
		Device:         device,
		AssignedRole:   device.Role,
		MasterDeviceID: master.DeviceID,
	}, nil
}

func (r *Registry) validateRegistration(ctx context.Context, req RegisterRequest) error {
	var verr *ValidationError
	switch {
	case req.DeviceID == "":
		verr = &ValidationError{Field: "device_id", Message: "must not be empty"}
	case req.Priority < 0 || req.Priority > 100:
		verr = &ValidationError{Field: "priority", Message: "must be between 0 and 100"}
	case req.DeclaredRole != "" && !models.ValidRole(req.DeclaredRole):
		verr = &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", req.DeclaredRole)}
	}
	if verr == nil {
		return nil
	}

	// Failed registrations never touch registry state, but they do leave
	// an audit entry.
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = "unknown"
	}
	values, _ := json.Marshal(req)
	if err := r.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      deviceID,
		OperationType: models.AuditOpRegistrationFailed,
		TableName:     "devices",
		NewValues:     values,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to audit rejected registration")
	}
	return verr
}

// Heartbeat refreshes liveness. Unknown device ids are silently ignored;
// the device is expected to re-register.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) error {
	if _, err := r.devices.GetByID(ctx, deviceID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.log.Debug().Str("heartbeat_device", deviceID).Msg("heartbeat from unregistered device ignored")
			return nil
		}
		return fmt.Errorf("heartbeat failed: %w", err)
	}

	if err := r.devices.UpdateLastSeen(ctx, deviceID, r.now().UTC()); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	if err := r.presence.Touch(ctx, deviceID); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// ListActive returns all devices currently considered alive: a fresh
// presence key or a last_seen within the heartbeat timeout.
func (r *Registry) ListActive(ctx context.Context) ([]*models.Device, error) {
	devices, err := r.devices.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	alive, err := r.presence.AliveSet(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	cutoff := r.now().Add(-r.heartbeatTimeout)
	var active []*models.Device
	for _, d := range devices {
		if !d.IsActive {
			continue
		}
		if alive[d.DeviceID] || d.LastSeen.After(cutoff) {
			active = append(active, d)
		}
	}
	return active, nil
}

// ListAll returns every known device with liveness recomputed, for the
// roles endpoint.
func (r *Registry) ListAll(ctx context.Context) ([]*models.Device, error) {
	devices, err := r.devices.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	alive, err := r.presence.AliveSet(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	cutoff := r.now().Add(-r.heartbeatTimeout)
	for _, d := range devices {
		d.IsActive = d.IsActive && (alive[d.DeviceID] || d.LastSeen.After(cutoff))
	}
	return devices, nil
}

// CurrentMaster returns the active master, or repositories.ErrNotFound.
func (r *Registry) CurrentMaster(ctx context.Context) (*models.Device, error) {
	return r.activeMaster(ctx)
}

func (r *Registry) activeMaster(ctx context.Context) (*models.Device, error) {
	master, err := r.devices.GetMaster(ctx)
	if err != nil {
		return nil, err
	}
	alive, err := r.presence.IsAlive(ctx, master.DeviceID)
	if err != nil {
		return nil, err
	}
	if !alive && master.LastSeen.Before(r.now().Add(-r.heartbeatTimeout)) {
		return nil, repositories.ErrNotFound
	}
	return master, nil
}

// activeMasterExcluding finds an active master other than selfID, or
// repositories.ErrNotFound when no other device holds the role.
func (r *Registry) activeMasterExcluding(ctx context.Context, selfID string) (*models.Device, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range active {
		if d.Role == models.RoleMaster && d.DeviceID != selfID {
			return d, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// AssignRole moves a device to the given sync role, audits the change and
// broadcasts it so every terminal sees the new topology within a
// heartbeat interval.
func (r *Registry) AssignRole(ctx context.Context, deviceID string, role models.DeviceRole, reason string) error {
	current, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if current.Role == role {
		return nil
	}

	if err := r.devices.UpdateRole(ctx, deviceID, role); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	oldVal, _ := json.Marshal(map[string]string{"role": string(current.Role)})
	newVal, _ := json.Marshal(map[string]string{"role": string(role), "reason": reason})
	if err := r.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      deviceID,
		OperationType: models.AuditOpRoleChange,
		TableName:     "devices",
		RecordID:      deviceID,
		OldValues:     oldVal,
		NewValues:     newVal,
	}); err != nil {
		return fmt.Errorf("failed to audit role change: %w", err)
	}

	r.notifier.Broadcast(models.RoleChange{
		DeviceID: deviceID,
		NewRole:  role,
		Reason:   reason,
	})

	r.log.Info().
		Str("target_device", deviceID).
		Str("new_role", string(role)).
		Str("reason", reason).
		Msg("role changed")
	return nil
}

// MarkOffline deactivates a device, drops its presence key and audits the
// transition. Returns whether the device held the master role.
func (r *Registry) MarkOffline(ctx context.Context, deviceID, reason string) (wasMaster bool, err error) {
	device, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}

	if err := r.devices.SetActive(ctx, deviceID, false); err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}
	if err := r.presence.Drop(ctx, deviceID); err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}

	values, _ := json.Marshal(map[string]string{"reason": reason})
	if err := r.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      deviceID,
		OperationType: models.AuditOpDeviceOffline,
		TableName:     "devices",
		RecordID:      deviceID,
		NewValues:     values,
	}); err != nil {
		return false, fmt.Errorf("failed to audit device offline: %w", err)
	}

	r.notifier.Broadcast(models.DeviceOffline{DeviceID: deviceID})

	return device.Role == models.RoleMaster, nil
}

func (r *Registry) ensureSyncState(ctx context.Context, deviceID string) error {
	_, err := r.states.Get(ctx, deviceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	if err := r.states.Upsert(ctx, models.NewSyncState(deviceID)); err != nil {
		return fmt.Errorf("failed to initialize sync state: %w", err)
	}
	return nil
}
