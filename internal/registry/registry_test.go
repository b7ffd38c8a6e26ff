package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	deviceCalls int
	sensorCalls int
	device      *models.Device
	sensor      *models.SensorConfig
	err         error
}

func (f *fakeStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	f.deviceCalls++
	return f.device, f.err
}

func (f *fakeStore) GetSensorConfig(ctx context.Context, id string) (*models.SensorConfig, error) {
	f.sensorCalls++
	if f.sensor == nil {
		return nil, f.err
	}
	cp := *f.sensor
	return &cp, f.err
}

func TestRegistry_CachesWithinTTL(t *testing.T) {
	store := &fakeStore{device: &models.Device{ID: "d1", TenantID: "acme", Active: true}}
	r := New(store, store, time.Minute, Defaults{})

	for i := 0; i < 3; i++ {
		d, err := r.Device(context.Background(), "d1")
		require.NoError(t, err)
		assert.Equal(t, "acme", d.TenantID)
	}
	assert.Equal(t, 1, store.deviceCalls)

	now := time.Now().Add(2 * time.Minute)
	r.deviceCache.now = func() time.Time { return now }
	_, err := r.Device(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.deviceCalls)
}

func TestRegistry_ErrorsAreNotCached(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r := New(store, store, time.Minute, Defaults{})

	_, err := r.Device(context.Background(), "d1")
	require.Error(t, err)

	store.err = nil
	store.device = &models.Device{ID: "d1"}
	d, err := r.Device(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, 2, store.deviceCalls)
}

func TestRegistry_SensorDefaults(t *testing.T) {
	store := &fakeStore{sensor: &models.SensorConfig{SensorID: "S1"}}
	r := New(nil, store, 0, Defaults{HysteresisPercent: 5, Cooldown: 15 * time.Minute})

	cfg, err := r.Sensor(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Policy.HysteresisPercent)
	assert.Equal(t, 15*time.Minute, cfg.Policy.Cooldown)

	store.sensor.Policy.Cooldown = time.Minute
	cfg, err = r.Sensor(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Policy.Cooldown)
	assert.Equal(t, 2, store.sensorCalls, "ttl 0 disables caching")

	_, err = r.Device(context.Background(), "d1")
	assert.Error(t, err)
}

func TestCache_Purge(t *testing.T) {
	c := NewCache[string, int](time.Second)
	_, _ = c.Get("a", func() (int, error) { return 1, nil })
	_, _ = c.Get("b", func() (int, error) { return 2, nil })
	assert.Equal(t, 2, c.Len())

	later := time.Now().Add(time.Hour)
	c.now = func() time.Time { return later }
	assert.Equal(t, 2, c.Purge())
	assert.Zero(t, c.Len())

	c.now = time.Now
	_, _ = c.Get("a", func() (int, error) { return 1, nil })
	c.Invalidate("a")
	assert.Zero(t, c.Len())
}
