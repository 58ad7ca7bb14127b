package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storegrid/tillsync/internal/models"
)

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

const deviceColumns = `device_id, role, display_role, priority, last_seen, is_active, created_at, updated_at`

func (r *PostgresDeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (device_id, role, display_role, priority, last_seen, is_active)
	          VALUES ($1, $2, $3, $4, NOW(), TRUE)
	          ON CONFLICT (device_id) DO UPDATE
	          SET display_role = EXCLUDED.display_role,
	              priority = EXCLUDED.priority,
	              last_seen = NOW(),
	              is_active = TRUE,
	              updated_at = NOW()
	          RETURNING role, last_seen, is_active, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		device.DeviceID,
		device.Role,
		device.DisplayRole,
		device.Priority,
	).Scan(&device.Role, &device.LastSeen, &device.IsActive, &device.CreatedAt, &device.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&device.Role,
		&device.DisplayRole,
		&device.Priority,
		&device.LastSeen,
		&device.IsActive,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		err := rows.Scan(
			&device.DeviceID,
			&device.Role,
			&device.DisplayRole,
			&device.Priority,
			&device.LastSeen,
			&device.IsActive,
			&device.CreatedAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

func (r *PostgresDeviceRepository) UpdateRole(ctx context.Context, deviceID string, role models.DeviceRole) error {
	query := `UPDATE devices SET role = $1, updated_at = NOW() WHERE device_id = $2`

	result, err := r.pool.Exec(ctx, query, role, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device role: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) UpdateLastSeen(ctx context.Context, deviceID string, seen time.Time) error {
	query := `UPDATE devices SET last_seen = $1, is_active = TRUE, updated_at = NOW() WHERE device_id = $2`

	result, err := r.pool.Exec(ctx, query, seen, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) SetActive(ctx context.Context, deviceID string, active bool) error {
	query := `UPDATE devices SET is_active = $1, updated_at = NOW() WHERE device_id = $2`

	result, err := r.pool.Exec(ctx, query, active, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set device active flag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) GetMaster(ctx context.Context) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
	          WHERE role = 'master' AND is_active = TRUE
	          ORDER BY last_seen DESC
	          LIMIT 1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query).Scan(
		&device.DeviceID,
		&device.Role,
		&device.DisplayRole,
		&device.Priority,
		&device.LastSeen,
		&device.IsActive,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get master device: %w", err)
	}
	return &device, nil
}
