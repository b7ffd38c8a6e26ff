package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100000, cfg.RateLimit.DeviceLimit)
	assert.Equal(t, 10, cfg.RateLimit.UserPerMinute)
	assert.Equal(t, 100, cfg.RateLimit.UserPerHour)
	assert.Equal(t, 15*time.Minute, cfg.Alerting.DefaultCooldown)
	assert.Equal(t, 5.0, cfg.Alerting.DefaultHysteresisPercent)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "empresa/+/sensor/+/data", cfg.MQTT.Topic)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_USER_PER_MINUTE", "3")
	t.Setenv("ALERT_COOLDOWN", "90s")
	t.Setenv("ALERT_HYSTERESIS_PERCENT", "2.5")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RateLimit.UserPerMinute)
	assert.Equal(t, 90*time.Second, cfg.Alerting.DefaultCooldown)
	assert.Equal(t, 2.5, cfg.Alerting.DefaultHysteresisPercent)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "many")
	t.Setenv("ALERT_COOLDOWN", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Alerting.DefaultCooldown)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.Dispatch.BackoffFactor = 0.5 }},
		{"hysteresis over 100", func(c *Config) { c.Alerting.DefaultHysteresisPercent = 150 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = []string{""} }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"zero user limit", func(c *Config) { c.RateLimit.UserPerMinute = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "n", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=require", d.ConnectionString())
}
