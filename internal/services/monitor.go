package services

import (
	"context"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

// Monitor runs the fixed-interval liveness sweep. Devices whose presence
// key has expired and whose last heartbeat is older than the timeout get
// marked inactive; losing the master this way raises the master-lost
// signal.
type Monitor struct {
	registry     *Registry
	interval     time.Duration
	timeout      time.Duration
	onMasterLost func(ctx context.Context, reason models.ElectionReason)
	log          *logger.Logger
}

func NewMonitor(registry *Registry, interval, timeout time.Duration, log *logger.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// SetOnMasterLost installs the callback invoked when the active master
// times out. Typically wired to the election manager's failure trigger.
func (m *Monitor) SetOnMasterLost(callback func(ctx context.Context, reason models.ElectionReason)) {
	m.onMasterLost = callback
}

// Run blocks until ctx is canceled, sweeping at every tick. The sweep may
// overlap with an in-flight election; the election manager coalesces
// duplicate triggers.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	devices, err := m.registry.devices.List(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("liveness sweep: failed to list devices")
		return
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	alive, err := m.registry.presence.AliveSet(ctx, ids)
	if err != nil {
		m.log.Error().Err(err).Msg("liveness sweep: failed to read presence")
		return
	}

	cutoff := m.registry.now().Add(-m.timeout)
	masterLost := false
	for _, d := range devices {
		if !d.IsActive || alive[d.DeviceID] || d.LastSeen.After(cutoff) {
			continue
		}

		wasMaster, err := m.registry.MarkOffline(ctx, d.DeviceID, "heartbeat_timeout")
		if err != nil {
			m.log.Error().Err(err).Str("timed_out_device", d.DeviceID).Msg("liveness sweep: failed to mark device offline")
			continue
		}
		m.log.Warn().
			Str("timed_out_device", d.DeviceID).
			Time("last_seen", d.LastSeen).
			Msg("device timed out")
		if wasMaster {
			masterLost = true
		}
	}

	if masterLost && m.onMasterLost != nil {
		m.onMasterLost(ctx, models.ReasonFailure)
	}
}
