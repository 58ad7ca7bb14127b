package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storegrid/tillsync/internal/models"
)

type PostgresSyncStateRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncStateRepository(pool *pgxpool.Pool) *PostgresSyncStateRepository {
	return &PostgresSyncStateRepository{pool: pool}
}

func (r *PostgresSyncStateRepository) Get(ctx context.Context, deviceID string) (*models.SyncState, error) {
	query := `SELECT device_id, sync_status, pending_changes_count, last_sync_timestamp, last_error_message, updated_at
	          FROM sync_states
	          WHERE device_id = $1`

	var state models.SyncState
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&state.DeviceID,
		&state.SyncStatus,
		&state.PendingChangesCount,
		&state.LastSyncTimestamp,
		&state.LastErrorMessage,
		&state.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return &state, nil
}

func (r *PostgresSyncStateRepository) Upsert(ctx context.Context, state *models.SyncState) error {
	query := `INSERT INTO sync_states
	          (device_id, sync_status, pending_changes_count, last_sync_timestamp, last_error_message, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW())
	          ON CONFLICT (device_id) DO UPDATE
	          SET sync_status = EXCLUDED.sync_status,
	              pending_changes_count = EXCLUDED.pending_changes_count,
	              last_sync_timestamp = EXCLUDED.last_sync_timestamp,
	              last_error_message = EXCLUDED.last_error_message,
	              updated_at = NOW()
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		state.DeviceID,
		state.SyncStatus,
		state.PendingChangesCount,
		state.LastSyncTimestamp,
		state.LastErrorMessage,
	).Scan(&state.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert sync state: %w", err)
	}
	return nil
}
