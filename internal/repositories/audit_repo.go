package repositories

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storegrid/tillsync/internal/models"
)

const defaultAuditLimit = 200

type PostgresAuditRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAuditRepository(pool *pgxpool.Pool) *PostgresAuditRepository {
	return &PostgresAuditRepository{pool: pool}
}

func (r *PostgresAuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `INSERT INTO audit_log
	          (id, device_id, operation_type, table_name, record_id, old_values, new_values, resolution_method)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		entry.ID,
		entry.DeviceID,
		entry.OperationType,
		entry.TableName,
		entry.RecordID,
		entry.OldValues,
		entry.NewValues,
		entry.ResolutionMethod,
	).Scan(&entry.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// buildAuditQuery assembles the filtered SELECT. Split out so the SQL
// shape is testable without a database.
func buildAuditQuery(filter models.AuditFilter) (string, []any, error) {
	builder := sq.Select(
		"id", "device_id", "operation_type", "table_name", "record_id",
		"old_values", "new_values", "resolution_method", "created_at",
	).
		From("audit_log").
		PlaceholderFormat(sq.Dollar).
		OrderBy("created_at DESC")

	if filter.DeviceID != "" {
		builder = builder.Where(sq.Eq{"device_id": filter.DeviceID})
	}
	if filter.OperationType != "" {
		builder = builder.Where(sq.Eq{"operation_type": filter.OperationType})
	}
	if !filter.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		builder = builder.Where(sq.LtOrEq{"created_at": filter.To})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	builder = builder.Limit(uint64(limit))

	return builder.ToSql()
}

func (r *PostgresAuditRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	query, args, err := buildAuditQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var entry models.AuditLogEntry
		err := rows.Scan(
			&entry.ID,
			&entry.DeviceID,
			&entry.OperationType,
			&entry.TableName,
			&entry.RecordID,
			&entry.OldValues,
			&entry.NewValues,
			&entry.ResolutionMethod,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}

	return entries, nil
}
