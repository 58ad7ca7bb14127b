package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

func TestWinnerHighestPriority(t *testing.T) {
	winner, ok := Winner([]Candidate{
		{DeviceID: "pos-sales", Priority: 20},
		{DeviceID: "pos-manager", Priority: 80},
		{DeviceID: "pos-assistant", Priority: 60},
	})
	require.True(t, ok)
	assert.Equal(t, "pos-manager", winner.DeviceID)
}

func TestWinnerTieBreaksOnDeviceID(t *testing.T) {
	winner, ok := Winner([]Candidate{
		{DeviceID: "pos-b", Priority: 80},
		{DeviceID: "pos-a", Priority: 80},
		{DeviceID: "pos-c", Priority: 80},
	})
	require.True(t, ok)
	assert.Equal(t, "pos-a", winner.DeviceID)
}

func TestWinnerEmptySet(t *testing.T) {
	_, ok := Winner(nil)
	assert.False(t, ok)
}

func TestWinnerIsOrderIndependent(t *testing.T) {
	base := []Candidate{
		{DeviceID: "pos-d", Priority: 10},
		{DeviceID: "pos-a", Priority: 80},
		{DeviceID: "pos-b", Priority: 80},
		{DeviceID: "pos-c", Priority: 60},
	}
	permutations := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1},
	}
	for _, perm := range permutations {
		shuffled := make([]Candidate, len(base))
		for i, j := range perm {
			shuffled[i] = base[j]
		}
		winner, ok := Winner(shuffled)
		require.True(t, ok)
		assert.Equal(t, "pos-a", winner.DeviceID)
	}
}

type electionFixture struct {
	*registryFixture
	elections *memElectionLog
	elector   *ElectionManager
}

func newElectionFixture(t *testing.T) *electionFixture {
	t.Helper()
	f := &electionFixture{
		registryFixture: newRegistryFixture(t),
		elections:       newMemElectionLog(),
	}
	f.elector = NewElectionManager(
		f.registry, f.elections, f.audit, f.states, f.notifier,
		"pos-local", 30*time.Second, 3, time.Second, logger.Nop(),
	)
	f.elector.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *electionFixture) register(t *testing.T, deviceID string, priority int) {
	t.Helper()
	_, err := f.registry.Register(context.Background(), RegisterRequest{DeviceID: deviceID, Priority: priority})
	require.NoError(t, err)
}

func TestElectionAfterMasterShutdown(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	f.register(t, "pos-admin", 100)
	f.register(t, "pos-manager", 80)
	f.register(t, "pos-assistant", 60)

	wasMaster, err := f.registry.MarkOffline(ctx, "pos-admin", "shutdown")
	require.NoError(t, err)
	require.True(t, wasMaster)

	entry, err := f.elector.Trigger(ctx, models.ReasonShutdown, "pos-admin")
	require.NoError(t, err)

	assert.Equal(t, "pos-manager", entry.NewMasterID)
	require.NotNil(t, entry.PreviousMasterID)
	assert.Equal(t, "pos-admin", *entry.PreviousMasterID)
	assert.Equal(t, models.ReasonShutdown, entry.Reason)
	assert.Equal(t, int64(1), entry.Epoch)
	assert.Equal(t, 2, entry.ParticipantCount)

	master, err := f.registry.CurrentMaster(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pos-manager", master.DeviceID)

	elected := f.notifier.byType(models.EventMasterElected)
	require.Len(t, elected, 1)
	assert.Equal(t, "pos-manager", elected[0].(models.MasterElected).NewMasterID)
}

func TestElectionDemotesStaleMasterRow(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	f.register(t, "pos-admin", 100)
	f.register(t, "pos-manager", 80)

	// Master fails hard: presence key gone, last heartbeat past the
	// timeout, but its database row still says master.
	f.presence.expire("pos-admin")
	f.registry.now = func() time.Time { return time.Now().Add(60 * time.Second) }
	require.NoError(t, f.registry.Heartbeat(ctx, "pos-manager"))

	entry, err := f.elector.Trigger(ctx, models.ReasonFailure, "pos-manager")
	require.NoError(t, err)
	assert.Equal(t, "pos-manager", entry.NewMasterID)

	admin, err := f.devices.GetByID(ctx, "pos-admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleClient, admin.Role)
}

func TestElectionEpochIncreasesAcrossElections(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	f.register(t, "pos-admin", 100)
	f.register(t, "pos-manager", 80)

	first, err := f.elector.Trigger(ctx, models.ReasonManual, "operator")
	require.NoError(t, err)
	second, err := f.elector.Trigger(ctx, models.ReasonManual, "operator")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Epoch)
	assert.Equal(t, int64(2), second.Epoch)
}

func TestElectionCoalescesConcurrentTriggers(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	f.register(t, "pos-admin", 100)
	f.register(t, "pos-manager", 80)
	_, err := f.registry.MarkOffline(ctx, "pos-admin", "shutdown")
	require.NoError(t, err)

	// Hold the first election open on its audit write, start a second
	// trigger, then release. The second trigger must join the first run.
	gate := make(chan struct{})
	f.audit.mu.Lock()
	f.audit.gate = gate
	f.audit.mu.Unlock()

	type outcome struct {
		entry *models.ElectionLogEntry
		err   error
	}
	results := make(chan outcome, 2)
	var started sync.WaitGroup
	started.Add(1)
	go func() {
		started.Done()
		entry, err := f.elector.Trigger(ctx, models.ReasonShutdown, "pos-admin")
		results <- outcome{entry, err}
	}()
	started.Wait()
	time.Sleep(20 * time.Millisecond)

	go func() {
		entry, err := f.elector.Trigger(ctx, models.ReasonFailure, "monitor")
		results <- outcome{entry, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.entry, second.entry)

	entries, err := f.elections.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestElectionWithNoActiveDevicesDegrades(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	_, err := f.elector.Trigger(ctx, models.ReasonFailure, "monitor")
	require.True(t, errors.Is(err, ErrNoQuorum))

	// Degraded mode is visible on the local sync state and the audit trail.
	state, err := f.states.Get(ctx, "pos-local")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, state.SyncStatus)
	require.NotNil(t, state.LastErrorMessage)

	require.Len(t, f.audit.byOperation(models.AuditOpElectionFailed), 1)
	require.Len(t, f.notifier.byType(models.EventSyncError), 1)
}

func TestElectionRetriesBeforeDegrading(t *testing.T) {
	f := newElectionFixture(t)
	ctx := context.Background()

	var delays []time.Duration
	f.elector.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := f.elector.Trigger(ctx, models.ReasonFailure, "monitor")
	require.Error(t, err)

	// Three retries with exponential backoff after the initial attempt.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}
