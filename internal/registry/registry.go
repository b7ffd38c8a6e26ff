// Package registry serves device and sensor configuration from the
// relational store through short-lived caches.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// DeviceStore loads devices; a nil device means unknown
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// SensorStore loads sensor configuration; a nil config means not configured
type SensorStore interface {
	GetSensorConfig(ctx context.Context, sensorID string) (*models.SensorConfig, error)
}

// Defaults fill policy values a sensor leaves unset
type Defaults struct {
	HysteresisPercent float64
	Cooldown          time.Duration
}

// Registry is a cached view of devices and sensor configuration
type Registry struct {
	devices  DeviceStore
	sensors  SensorStore
	defaults Defaults

	deviceCache *Cache[string, *models.Device]
	sensorCache *Cache[string, *models.SensorConfig]
}

// New creates a registry. Either store may be nil when the process only
// needs the other kind of lookup.
func New(devices DeviceStore, sensors SensorStore, ttl time.Duration, defaults Defaults) *Registry {
	return &Registry{
		devices:     devices,
		sensors:     sensors,
		defaults:    defaults,
		deviceCache: NewCache[string, *models.Device](ttl),
		sensorCache: NewCache[string, *models.SensorConfig](ttl),
	}
}

// Device returns the device with this ID, or nil when unknown
func (r *Registry) Device(ctx context.Context, deviceID string) (*models.Device, error) {
	if r.devices == nil {
		return nil, fmt.Errorf("device store not configured")
	}
	return r.deviceCache.Get(deviceID, func() (*models.Device, error) {
		d, err := r.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
		}
		return d, nil
	})
}

// Sensor returns the sensor configuration with defaults applied, or nil
// when the sensor is not configured.
func (r *Registry) Sensor(ctx context.Context, sensorID string) (*models.SensorConfig, error) {
	if r.sensors == nil {
		return nil, fmt.Errorf("sensor store not configured")
	}
	return r.sensorCache.Get(sensorID, func() (*models.SensorConfig, error) {
		cfg, err := r.sensors.GetSensorConfig(ctx, sensorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sensor %s: %w", sensorID, err)
		}
		if cfg != nil {
			r.applyDefaults(cfg)
		}
		return cfg, nil
	})
}

func (r *Registry) applyDefaults(cfg *models.SensorConfig) {
	if cfg.Policy.HysteresisPercent <= 0 {
		cfg.Policy.HysteresisPercent = r.defaults.HysteresisPercent
	}
	if cfg.Policy.Cooldown <= 0 {
		cfg.Policy.Cooldown = r.defaults.Cooldown
	}
}
