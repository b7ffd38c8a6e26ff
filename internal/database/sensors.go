package database

import (
	"context"
	"database/sql"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// GetSensorConfig retrieves the configuration of a sensor. It returns nil
// when the sensor is not configured and an error wrapping
// models.ErrInvalidNotificationConfig when the stored channel switch is bad.
func (db *DB) GetSensorConfig(ctx context.Context, sensorID string) (*models.SensorConfig, error) {
	query := `
		SELECT sensor_id, tenant_id, sensor_type, location_id,
		       min_value, max_value, critical_value, critical_low_value,
		       hysteresis_percent, cooldown_seconds, notification_config
		FROM sensor_configs
		WHERE sensor_id = $1
	`

	var r sensorRow
	err := db.QueryRowContext(ctx, query, sensorID).Scan(
		&r.SensorID,
		&r.TenantID,
		&r.SensorType,
		&r.LocationID,
		&r.MinValue,
		&r.MaxValue,
		&r.CriticalValue,
		&r.CriticalLowValue,
		&r.HysteresisPercent,
		&r.CooldownSeconds,
		&r.NotificationConfig,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return r.toModel()
}
