package database

import (
	"context"
	"database/sql"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// UpsertAlert mirrors an alert snapshot into the history table. Older
// versions never overwrite newer ones.
func (db *DB) UpsertAlert(ctx context.Context, a *models.Alert) error {
	query := `
		INSERT INTO alerts (
			alert_id, sensor_id, tenant_id, location_id, condition_type,
			severity, state, last_value, generation, version, created_at,
			last_escalated_at, last_notified_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (alert_id) DO UPDATE
		SET severity = EXCLUDED.severity,
		    state = EXCLUDED.state,
		    last_value = EXCLUDED.last_value,
		    generation = EXCLUDED.generation,
		    version = EXCLUDED.version,
		    last_escalated_at = EXCLUDED.last_escalated_at,
		    last_notified_at = EXCLUDED.last_notified_at,
		    resolved_at = EXCLUDED.resolved_at,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alerts.version < EXCLUDED.version
	`

	_, err := db.ExecContext(ctx, query,
		a.ID,
		a.SensorID,
		a.TenantID,
		a.LocationID,
		string(a.ConditionType),
		string(a.Severity),
		string(a.State),
		a.LastValue,
		a.Generation,
		a.Version,
		a.CreatedAt,
		nullTime(a.LastEscalatedAt),
		nullTime(a.LastNotifiedAt),
		nullTime(a.ResolvedAt),
	)
	return err
}

// GetAlert retrieves an alert from history. It returns nil when absent.
func (db *DB) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	query := `
		SELECT alert_id, sensor_id, tenant_id, location_id, condition_type,
		       severity, state, last_value, generation, version, created_at,
		       last_escalated_at, last_notified_at, resolved_at
		FROM alerts
		WHERE alert_id = $1
	`

	var (
		a   models.Alert
		row alertRow
	)
	err := db.QueryRowContext(ctx, query, alertID).Scan(
		&a.ID,
		&a.SensorID,
		&a.TenantID,
		&a.LocationID,
		&a.ConditionType,
		&a.Severity,
		&a.State,
		&a.LastValue,
		&a.Generation,
		&a.Version,
		&a.CreatedAt,
		&row.LastEscalatedAt,
		&row.LastNotifiedAt,
		&row.ResolvedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.LastEscalatedAt = timePtr(row.LastEscalatedAt)
	a.LastNotifiedAt = timePtr(row.LastNotifiedAt)
	a.ResolvedAt = timePtr(row.ResolvedAt)
	return &a, nil
}
