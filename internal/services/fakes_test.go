package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
)

// In-memory repository implementations mirroring the Postgres/Redis
// semantics, so the services are testable without live backends.

type memDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{devices: make(map[string]*models.Device)}
}

func (r *memDeviceRepo) Upsert(_ context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.devices[device.DeviceID]; ok {
		// Conflict path keeps the stored role, like the SQL upsert.
		existing.DisplayRole = device.DisplayRole
		existing.Priority = device.Priority
		existing.LastSeen = now
		existing.IsActive = true
		existing.UpdatedAt = &now
		*device = *existing
		return nil
	}
	device.LastSeen = now
	device.IsActive = true
	device.CreatedAt = now
	stored := *device
	r.devices[device.DeviceID] = &stored
	return nil
}

func (r *memDeviceRepo) GetByID(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *memDeviceRepo) List(_ context.Context) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *memDeviceRepo) UpdateRole(_ context.Context, deviceID string, role models.DeviceRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return repositories.ErrNotFound
	}
	device.Role = role
	return nil
}

func (r *memDeviceRepo) UpdateLastSeen(_ context.Context, deviceID string, seen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return repositories.ErrNotFound
	}
	device.LastSeen = seen
	device.IsActive = true
	return nil
}

func (r *memDeviceRepo) SetActive(_ context.Context, deviceID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return repositories.ErrNotFound
	}
	device.IsActive = active
	return nil
}

func (r *memDeviceRepo) GetMaster(_ context.Context) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var master *models.Device
	for _, d := range r.devices {
		if d.Role == models.RoleMaster && d.IsActive {
			if master == nil || d.LastSeen.After(master.LastSeen) {
				master = d
			}
		}
	}
	if master == nil {
		return nil, repositories.ErrNotFound
	}
	copied := *master
	return &copied, nil
}

type memChangeLog struct {
	mu      sync.Mutex
	lastSeq int64
	records []*models.ChangeRecord
}

func newMemChangeLog() *memChangeLog { return &memChangeLog{} }

func (l *memChangeLog) Append(_ context.Context, record *models.ChangeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeq++
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.SequenceID = l.lastSeq
	record.CreatedAt = time.Now().UTC()
	stored := *record
	l.records = append(l.records, &stored)
	return nil
}

func (l *memChangeLog) GetSince(_ context.Context, since int64, limit int) ([]*models.ChangeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.ChangeRecord
	for _, r := range l.records {
		if r.SequenceID > since {
			copied := *r
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memChangeLog) LatestForKey(_ context.Context, recordKey string) (*models.ChangeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var latest *models.ChangeRecord
	for _, r := range l.records {
		if r.RecordKey != recordKey || r.Superseded {
			continue
		}
		if latest == nil ||
			r.OriginTimestamp.After(latest.OriginTimestamp) ||
			(r.OriginTimestamp.Equal(latest.OriginTimestamp) && r.OriginDeviceID > latest.OriginDeviceID) {
			latest = r
		}
	}
	if latest == nil {
		return nil, repositories.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (l *memChangeLog) MarkSuperseded(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.ID == id {
			r.Superseded = true
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (l *memChangeLog) LastSequence(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLogEntry
	// gate, when set, blocks the next Append until the channel closes.
	gate chan struct{}
}

func newMemAudit() *memAudit { return &memAudit{} }

func (a *memAudit) Append(_ context.Context, entry *models.AuditLogEntry) error {
	a.mu.Lock()
	gate := a.gate
	a.gate = nil
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Timestamp = time.Now().UTC()
	stored := *entry
	a.entries = append(a.entries, &stored)
	return nil
}

func (a *memAudit) Query(_ context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.AuditLogEntry
	for _, e := range a.entries {
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		if filter.OperationType != "" && e.OperationType != filter.OperationType {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (a *memAudit) byOperation(op string) []*models.AuditLogEntry {
	out, _ := a.Query(context.Background(), models.AuditFilter{OperationType: op})
	return out
}

type memElectionLog struct {
	mu      sync.Mutex
	entries []*models.ElectionLogEntry
}

func newMemElectionLog() *memElectionLog { return &memElectionLog{} }

func (l *memElectionLog) Append(_ context.Context, entry *models.ElectionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Timestamp = time.Now().UTC()
	stored := *entry
	l.entries = append(l.entries, &stored)
	return nil
}

func (l *memElectionLog) List(_ context.Context, limit int) ([]*models.ElectionLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.ElectionLogEntry, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		copied := *l.entries[i]
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *memElectionLog) CurrentEpoch(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var epoch int64
	for _, e := range l.entries {
		if e.Epoch > epoch {
			epoch = e.Epoch
		}
	}
	return epoch, nil
}

type memSyncStates struct {
	mu     sync.Mutex
	states map[string]*models.SyncState
}

func newMemSyncStates() *memSyncStates {
	return &memSyncStates{states: make(map[string]*models.SyncState)}
}

func (s *memSyncStates) Get(_ context.Context, deviceID string) (*models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[deviceID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (s *memSyncStates) Upsert(_ context.Context, state *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	stored := *state
	s.states[state.DeviceID] = &stored
	return nil
}

type memPresence struct {
	mu    sync.Mutex
	alive map[string]bool
}

func newMemPresence() *memPresence {
	return &memPresence{alive: make(map[string]bool)}
}

func (p *memPresence) Touch(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[deviceID] = true
	return nil
}

func (p *memPresence) IsAlive(_ context.Context, deviceID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[deviceID], nil
}

func (p *memPresence) AliveSet(_ context.Context, deviceIDs []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		out[id] = p.alive[id]
	}
	return out, nil
}

func (p *memPresence) Drop(_ context.Context, deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, deviceID)
	return nil
}

// expire simulates a TTL lapse without a heartbeat.
func (p *memPresence) expire(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, deviceID)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []models.EventPayload
}

func (n *captureNotifier) Broadcast(p models.EventPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, p)
}

func (n *captureNotifier) byType(t models.EventType) []models.EventPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.EventPayload
	for _, e := range n.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
