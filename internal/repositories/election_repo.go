package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storegrid/tillsync/internal/models"
)

type PostgresElectionLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresElectionLogRepository(pool *pgxpool.Pool) *PostgresElectionLogRepository {
	return &PostgresElectionLogRepository{pool: pool}
}

func (r *PostgresElectionLogRepository) Append(ctx context.Context, entry *models.ElectionLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `INSERT INTO election_log
	          (id, previous_master_id, new_master_id, reason, epoch, participant_count)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		entry.ID,
		entry.PreviousMasterID,
		entry.NewMasterID,
		entry.Reason,
		entry.Epoch,
		entry.ParticipantCount,
	).Scan(&entry.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to append election log entry: %w", err)
	}
	return nil
}

func (r *PostgresElectionLogRepository) List(ctx context.Context, limit int) ([]*models.ElectionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, previous_master_id, new_master_id, reason, epoch, participant_count, created_at
	          FROM election_log
	          ORDER BY created_at DESC
	          LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query election log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ElectionLogEntry
	for rows.Next() {
		var entry models.ElectionLogEntry
		err := rows.Scan(
			&entry.ID,
			&entry.PreviousMasterID,
			&entry.NewMasterID,
			&entry.Reason,
			&entry.Epoch,
			&entry.ParticipantCount,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan election log entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating election log: %w", err)
	}

	return entries, nil
}

func (r *PostgresElectionLogRepository) CurrentEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(epoch), 0) FROM election_log`).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("failed to read current epoch: %w", err)
	}
	return epoch, nil
}
