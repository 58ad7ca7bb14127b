package repositories

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storegrid/tillsync/internal/models"
)

type PostgresChangeLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresChangeLogRepository(pool *pgxpool.Pool) *PostgresChangeLogRepository {
	return &PostgresChangeLogRepository{pool: pool}
}

var changeColumns = []string{
	"id", "record_key", "operation", "payload", "origin_device_id",
	"origin_timestamp", "sequence_id", "epoch", "superseded", "created_at",
}

// Append assigns the next sequence id and inserts the record in one
// transaction. The UPDATE on sequence_counter takes a row lock, so
// concurrent appends queue behind each other and sequence ids come out
// strictly increasing with no gaps. The record is durable (committed)
// before Append returns.
func (r *PostgresChangeLogRepository) Append(ctx context.Context, record *models.ChangeRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int64
	err = tx.QueryRow(ctx,
		`UPDATE sequence_counter SET last_seq = last_seq + 1 WHERE id = 1 RETURNING last_seq`,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to advance sequence counter: %w", err)
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.SequenceID = next

	query := `INSERT INTO change_log
	          (id, record_key, operation, payload, origin_device_id, origin_timestamp, sequence_id, epoch, superseded)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING created_at`

	err = tx.QueryRow(ctx, query,
		record.ID,
		record.RecordKey,
		record.Operation,
		record.Payload,
		record.OriginDeviceID,
		record.OriginTimestamp,
		record.SequenceID,
		record.Epoch,
		record.Superseded,
	).Scan(&record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit change record: %w", err)
	}
	return nil
}

// buildChangesSinceQuery assembles the ascending range read. Split out so
// the SQL shape is testable without a database.
func buildChangesSinceQuery(since int64, limit int) (string, []any, error) {
	builder := sq.Select(changeColumns...).
		From("change_log").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Gt{"sequence_id": since}).
		OrderBy("sequence_id ASC")

	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	return builder.ToSql()
}

func (r *PostgresChangeLogRepository) GetSince(ctx context.Context, since int64, limit int) ([]*models.ChangeRecord, error) {
	query, args, err := buildChangesSinceQuery(since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build change log query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var records []*models.ChangeRecord
	for rows.Next() {
		record, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}

	return records, nil
}

// LatestForKey skips superseded records so conflict checks always compare
// against the write that actually prevailed for the key.
func (r *PostgresChangeLogRepository) LatestForKey(ctx context.Context, recordKey string) (*models.ChangeRecord, error) {
	query, args, err := sq.Select(changeColumns...).
		From("change_log").
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"record_key": recordKey}).
		Where(sq.Eq{"superseded": false}).
		OrderBy("origin_timestamp DESC", "origin_device_id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build latest change query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest change for key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading latest change for key: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanChange(rows)
}

func (r *PostgresChangeLogRepository) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE change_log SET superseded = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark change superseded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresChangeLogRepository) LastSequence(ctx context.Context) (int64, error) {
	var last int64
	err := r.pool.QueryRow(ctx, `SELECT last_seq FROM sequence_counter WHERE id = 1`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence counter: %w", err)
	}
	return last, nil
}

func scanChange(rows pgx.Rows) (*models.ChangeRecord, error) {
	var record models.ChangeRecord
	err := rows.Scan(
		&record.ID,
		&record.RecordKey,
		&record.Operation,
		&record.Payload,
		&record.OriginDeviceID,
		&record.OriginTimestamp,
		&record.SequenceID,
		&record.Epoch,
		&record.Superseded,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change record: %w", err)
	}
	return &record, nil
}
