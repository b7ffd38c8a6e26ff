package database

import (
	"context"
	"database/sql"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// GetDevice retrieves a device by ID. It returns nil when the device is unknown.
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, tenant_id, token_hash, is_active, created_at
		FROM devices
		WHERE device_id = $1
	`

	var d models.Device
	err := db.QueryRowContext(ctx, query, deviceID).Scan(
		&d.ID,
		&d.TenantID,
		&d.TokenHash,
		&d.Active,
		&d.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// UpsertDevice registers a device or rotates its token
func (db *DB) UpsertDevice(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (device_id, tenant_id, token_hash, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id,
		    token_hash = EXCLUDED.token_hash,
		    is_active = EXCLUDED.is_active
	`
	_, err := db.ExecContext(ctx, query, d.ID, d.TenantID, d.TokenHash, d.Active)
	return err
}
