package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// sensorRow is one row of sensor_configs
type sensorRow struct {
	SensorID           string
	TenantID           string
	SensorType         string
	LocationID         string
	MinValue           sql.NullFloat64
	MaxValue           sql.NullFloat64
	CriticalValue      sql.NullFloat64
	CriticalLowValue   sql.NullFloat64
	HysteresisPercent  float64
	CooldownSeconds    int
	NotificationConfig []byte // JSON
}

func (r *sensorRow) toModel() (*models.SensorConfig, error) {
	notifications, err := models.ParseNotificationConfig(r.NotificationConfig)
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", r.SensorID, err)
	}

	return &models.SensorConfig{
		SensorID:   r.SensorID,
		TenantID:   r.TenantID,
		Type:       models.SensorType(r.SensorType),
		LocationID: r.LocationID,
		Thresholds: models.Thresholds{
			Min:         floatPtr(r.MinValue),
			Max:         floatPtr(r.MaxValue),
			Critical:    floatPtr(r.CriticalValue),
			CriticalLow: floatPtr(r.CriticalLowValue),
		},
		Policy: models.Policy{
			HysteresisPercent: r.HysteresisPercent,
			Cooldown:          time.Duration(r.CooldownSeconds) * time.Second,
		},
		Notifications: notifications,
	}, nil
}

// alertRow carries the nullable columns of alerts
type alertRow struct {
	LastEscalatedAt sql.NullTime
	LastNotifiedAt  sql.NullTime
	ResolvedAt      sql.NullTime
}

// attemptRow carries the nullable columns of notification_attempts
type attemptRow struct {
	NextRetryAt sql.NullTime
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
