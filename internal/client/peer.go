package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/services"
	"github.com/storegrid/tillsync/internal/transport"
)

// MasterSource yields the device currently holding the master role, as
// this terminal sees it.
type MasterSource interface {
	CurrentMaster(ctx context.Context) (*models.Device, error)
}

// ChangeApplier consumes changes fetched from the master, in ascending
// sequence order.
type ChangeApplier func(ctx context.Context, changes []*models.ChangeRecord) error

type PeerConfig struct {
	DeviceID          string
	DisplayRole       string
	Priority          int
	EnrollSecret      string
	HeartbeatInterval time.Duration
	WSTemplate        string // e.g. ws://%s:8080/ws
	Policy            transport.RetryPolicy
}

// PeerLoop runs the client side of the sync plane. While this terminal
// is not the master it authenticates there, registers, reconciles missed
// changes by pulling since the last applied sequence id and then holds an
// event channel open, heartbeating over it. A master_elected frame
// naming a different device ends the session so the next one targets the
// new master.
type PeerLoop struct {
	cfg     PeerConfig
	rest    *SyncClient
	masters MasterSource
	apply   ChangeApplier
	log     *logger.Logger

	mu      sync.Mutex
	lastSeq int64
}

func NewPeerLoop(cfg PeerConfig, rest *SyncClient, masters MasterSource, apply ChangeApplier, log *logger.Logger) *PeerLoop {
	if cfg.Policy == (transport.RetryPolicy{}) {
		cfg.Policy = transport.DefaultRetryPolicy()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &PeerLoop{
		cfg:     cfg,
		rest:    rest,
		masters: masters,
		apply:   apply,
		log:     log,
	}
}

// LastApplied returns the highest sequence id handed to the applier.
func (l *PeerLoop) LastApplied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Run follows the current master until ctx is canceled. While this
// terminal holds the master role itself (or no master is known) the loop
// idles and re-checks every heartbeat interval.
func (l *PeerLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		master, err := l.masters.CurrentMaster(ctx)
		if err != nil || master.DeviceID == l.cfg.DeviceID {
			if err := sleepFor(ctx, l.cfg.HeartbeatInterval); err != nil {
				return err
			}
			continue
		}

		if err := l.session(ctx, master.DeviceID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn().Err(err).Str("master", master.DeviceID).Msg("peer session ended")
			if err := sleepFor(ctx, l.cfg.HeartbeatInterval); err != nil {
				return err
			}
		}
	}
}

// session runs one full exchange with a master: authenticate, register,
// reconcile, then service the event channel until it drops or the master
// changes.
func (l *PeerLoop) session(ctx context.Context, masterID string) error {
	if err := l.rest.Authenticate(ctx, masterID, l.cfg.DeviceID, l.cfg.EnrollSecret); err != nil {
		return fmt.Errorf("authentication with master failed: %w", err)
	}
	if _, err := l.rest.Register(ctx, masterID, services.RegisterRequest{
		DeviceID:    l.cfg.DeviceID,
		DisplayRole: l.cfg.DisplayRole,
		Priority:    l.cfg.Priority,
	}); err != nil {
		return fmt.Errorf("registration with master failed: %w", err)
	}
	if err := l.reconcile(ctx, masterID); err != nil {
		return err
	}

	sessionCtx, retarget := context.WithCancel(ctx)
	defer retarget()

	ws := transport.NewClient(transport.ClientConfig{
		URL:      fmt.Sprintf(l.cfg.WSTemplate, masterID),
		Token:    l.rest.Token(),
		DeviceID: l.cfg.DeviceID,
		Policy:   l.cfg.Policy,
	}, func(payload models.EventPayload) {
		l.handleEvent(sessionCtx, masterID, payload, retarget)
	}, l.log)

	done := make(chan error, 1)
	go func() { done <- ws.Run(sessionCtx) }()

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := ws.Send(models.Heartbeat{DeviceID: l.cfg.DeviceID}); err != nil {
				// Channel backed up; heartbeat over REST so the master
				// keeps seeing us while the link recovers.
				if err := l.rest.Heartbeat(ctx, masterID, l.cfg.DeviceID); err != nil {
					l.log.Warn().Err(err).Msg("fallback heartbeat failed")
				}
			}
		}
	}
}

func (l *PeerLoop) handleEvent(ctx context.Context, masterID string, payload models.EventPayload, retarget context.CancelFunc) {
	switch ev := payload.(type) {
	case *models.MasterElected:
		if ev.NewMasterID != masterID {
			l.log.Info().Str("new_master", ev.NewMasterID).Msg("mastership moved, re-targeting")
			retarget()
		}
	case *models.DataUpdate:
		change := &models.ChangeRecord{
			RecordKey:       ev.RecordKey,
			Operation:       ev.Operation,
			Payload:         ev.Payload,
			OriginDeviceID:  ev.DeviceID,
			OriginTimestamp: ev.OriginTimestamp,
		}
		if err := l.apply(ctx, []*models.ChangeRecord{change}); err != nil {
			l.log.Error().Err(err).Str("record_key", ev.RecordKey).Msg("failed to apply pushed change")
		}
	case *models.SyncError:
		l.log.Warn().Str("code", ev.ErrorCode).Str("message", ev.Message).Msg("master reported sync error")
	}
}

// reconcile pulls every change after the last applied sequence id and
// hands the batch to the applier.
func (l *PeerLoop) reconcile(ctx context.Context, masterID string) error {
	l.mu.Lock()
	since := l.lastSeq
	l.mu.Unlock()

	result, err := l.rest.Pull(ctx, masterID, l.cfg.DeviceID, since)
	if err != nil {
		return fmt.Errorf("pull from master failed: %w", err)
	}
	if len(result.Changes) == 0 {
		return nil
	}
	if err := l.apply(ctx, result.Changes); err != nil {
		return fmt.Errorf("failed to apply pulled changes: %w", err)
	}

	last := result.Changes[len(result.Changes)-1].SequenceID
	l.mu.Lock()
	if last > l.lastSeq {
		l.lastSeq = last
	}
	l.mu.Unlock()

	l.log.Info().
		Int64("through_sequence", last).
		Int("changes", len(result.Changes)).
		Msg("reconciled with master")
	return nil
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
