package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
)

// Candidate is one active device considered for mastership.
type Candidate struct {
	DeviceID string
	Priority int
}

// Winner selects the new master from the candidate set: highest priority
// wins, ties break by ascending lexical device id. Pure function, no I/O,
// so the outcome depends only on the input set.
func Winner(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].DeviceID < sorted[j].DeviceID
	})
	return sorted[0], true
}

type electionRun struct {
	done  chan struct{}
	entry *models.ElectionLogEntry
	err   error
}

// ElectionManager orchestrates master elections. Only one election runs at
// a time; triggers arriving while one is in flight are coalesced into it
// and receive its outcome.
type ElectionManager struct {
	registry  *Registry
	elections repositories.ElectionLogRepository
	audit     repositories.AuditRepository
	states    repositories.SyncStateRepository
	notifier  Notifier
	log       *logger.Logger

	localDeviceID string
	timeout       time.Duration
	retries       int
	backoff       time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight *electionRun
}

func NewElectionManager(
	registry *Registry,
	elections repositories.ElectionLogRepository,
	audit repositories.AuditRepository,
	states repositories.SyncStateRepository,
	notifier Notifier,
	localDeviceID string,
	timeout time.Duration,
	retries int,
	backoff time.Duration,
	log *logger.Logger,
) *ElectionManager {
	return &ElectionManager{
		registry:      registry,
		elections:     elections,
		audit:         audit,
		states:        states,
		notifier:      notifier,
		localDeviceID: localDeviceID,
		timeout:       timeout,
		retries:       retries,
		backoff:       backoff,
		log:           log,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Trigger starts an election, or joins the one already running. It blocks
// until the election settles and returns the resulting log entry.
func (m *ElectionManager) Trigger(ctx context.Context, reason models.ElectionReason, initiatedBy string) (*models.ElectionLogEntry, error) {
	m.mu.Lock()
	if m.inflight != nil {
		run := m.inflight
		m.mu.Unlock()
		select {
		case <-run.done:
			return run.entry, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &electionRun{done: make(chan struct{})}
	m.inflight = run
	m.mu.Unlock()

	run.entry, run.err = m.run(ctx, reason, initiatedBy)
	close(run.done)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	return run.entry, run.err
}

func (m *ElectionManager) run(ctx context.Context, reason models.ElectionReason, initiatedBy string) (*models.ElectionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.log.Info().
		Str("reason", string(reason)).
		Str("initiated_by", initiatedBy).
		Msg("election started")

	m.notifier.Broadcast(models.MasterElection{Reason: reason, InitiatedBy: initiatedBy})

	// The previous master may already be inactive (shutdown or crash), so
	// scan the full device list rather than the active-master lookup.
	var previousMaster *string
	if all, err := m.registry.devices.List(ctx); err == nil {
		for _, d := range all {
			if d.Role == models.RoleMaster {
				id := d.DeviceID
				previousMaster = &id
				break
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s.
			delay := m.backoff << (attempt - 1)
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		entry, err := m.attempt(ctx, reason, previousMaster)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt+1).Msg("election attempt failed")
	}

	return nil, m.degrade(ctx, reason, lastErr)
}

func (m *ElectionManager) attempt(ctx context.Context, reason models.ElectionReason, previousMaster *string) (*models.ElectionLogEntry, error) {
	active, err := m.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(active))
	for _, d := range active {
		candidates = append(candidates, Candidate{DeviceID: d.DeviceID, Priority: d.Priority})
	}

	winner, ok := Winner(candidates)
	if !ok {
		return nil, ErrNoQuorum
	}

	// The chosen device becomes master, every other device becomes (or
	// stays) a client. Stale master rows from the previous epoch are
	// demoted here too, so a returning former master rejoins cleanly.
	all, err := m.registry.devices.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if d.DeviceID != winner.DeviceID && d.Role == models.RoleMaster {
			if err := m.registry.AssignRole(ctx, d.DeviceID, models.RoleClient, "post_handover"); err != nil {
				return nil, err
			}
		}
	}
	if err := m.registry.AssignRole(ctx, winner.DeviceID, models.RoleMaster, string(reason)); err != nil {
		return nil, err
	}

	epoch, err := m.elections.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	entry := &models.ElectionLogEntry{
		PreviousMasterID: previousMaster,
		NewMasterID:      winner.DeviceID,
		Reason:           reason,
		Epoch:            epoch + 1,
		ParticipantCount: len(candidates),
	}
	if err := m.elections.Append(ctx, entry); err != nil {
		return nil, err
	}

	m.notifier.Broadcast(models.MasterElected{
		PreviousMasterID: previousMaster,
		NewMasterID:      winner.DeviceID,
		Reason:           reason,
		Timestamp:        entry.Timestamp,
		ParticipantCount: len(candidates),
	})

	m.log.Info().
		Str("new_master", winner.DeviceID).
		Int64("epoch", entry.Epoch).
		Int("participants", len(candidates)).
		Msg("election completed")

	return entry, nil
}

// degrade records the failed election and flags the local device's sync
// state so operators see the system is running against an unreachable
// master until the network heals or someone intervenes.
func (m *ElectionManager) degrade(ctx context.Context, reason models.ElectionReason, cause error) error {
	if cause == nil {
		cause = ErrNoQuorum
	}
	m.log.Error().Err(cause).Msg("election failed after retries, entering degraded mode")

	values, _ := json.Marshal(map[string]string{
		"reason": string(reason),
		"error":  cause.Error(),
	})
	if err := m.audit.Append(ctx, &models.AuditLogEntry{
		DeviceID:      m.localDeviceID,
		OperationType: models.AuditOpElectionFailed,
		TableName:     "election_log",
		NewValues:     values,
	}); err != nil {
		m.log.Error().Err(err).Msg("failed to audit election failure")
	}

	state, err := m.states.Get(ctx, m.localDeviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		state = models.NewSyncState(m.localDeviceID)
	} else if err != nil {
		m.log.Error().Err(err).Msg("failed to load sync state for degraded mode")
		state = models.NewSyncState(m.localDeviceID)
	}
	msg := fmt.Sprintf("election failed: %v", cause)
	state.SyncStatus = models.SyncStatusError
	state.LastErrorMessage = &msg
	if err := m.states.Upsert(ctx, state); err != nil {
		m.log.Error().Err(err).Msg("failed to flag degraded sync state")
	}

	m.notifier.Broadcast(models.SyncError{
		ErrorCode: "election_failed",
		Message:   msg,
	})

	if errors.Is(cause, ErrNoQuorum) {
		return ErrNoQuorum
	}
	return fmt.Errorf("election failed: %w", cause)
}
