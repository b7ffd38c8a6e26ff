package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	HTTP      HTTPConfig
	TCPServer TCPServerConfig
	MQTT      MQTTConfig
	RateLimit RateLimitConfig
	Alerting  AlertingConfig
	Dispatch  DispatchConfig
	SMTP      SMTPConfig
	SES       SESConfig
	Resend    ResendConfig
	SMS       SMSConfig
	Auth      AuthConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers       []string
	TopicReadings string
	TopicAlerts   string
	NumPartitions int
	BatchSize     int
	FlushInterval time.Duration
	ConsumerGroup string
	CreateTopics  bool
}

type HTTPConfig struct {
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type TCPServerConfig struct {
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
}

type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
}

// RateLimitConfig holds the two traffic-class policies.
type RateLimitConfig struct {
	DeviceLimit   int
	DeviceWindow  time.Duration
	UserPerMinute int
	UserPerHour   int
	IngestPath    string
}

type AlertingConfig struct {
	DefaultCooldown          time.Duration
	DefaultHysteresisPercent float64
	StateTTL                 time.Duration
	ConfigCacheTTL           time.Duration
	Workers                  int
}

type DispatchConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffFactor     float64
	RecipientCacheTTL time.Duration
	TimerWorkers      int
	WSPort            int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SESConfig struct {
	Enabled bool
	Region  string
	From    string
}

type ResendConfig struct {
	APIKey string
	From   string
}

type SMSConfig struct {
	BaseURL  string
	APIToken string
	Sender   string
	Timeout  time.Duration
}

type AuthConfig struct {
	OperatorJWTSecret string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "telemetry_user"),
			Password: getEnv("DB_PASSWORD", "telemetry_pass"),
			DBName:   getEnv("DB_NAME", "telemetry_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicReadings: getEnv("KAFKA_TOPIC_READINGS", "telemetry.readings"),
			TopicAlerts:   getEnv("KAFKA_TOPIC_ALERTS", "telemetry.alerts"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("KAFKA_FLUSH_INTERVAL", time.Second),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", ""),
			CreateTopics:  getEnvAsBool("KAFKA_CREATE_TOPICS", true),
		},
		HTTP: HTTPConfig{
			Port:         getEnvAsInt("HTTP_PORT", 8081),
			MaxBodyBytes: int64(getEnvAsInt("HTTP_MAX_BODY_BYTES", 64*1024)),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		TCPServer: TCPServerConfig{
			Port:              getEnvAsInt("TCP_PORT", 8080),
			MaxConnections:    getEnvAsInt("TCP_MAX_CONNECTIONS", 10000),
			IdentifyTimeout:   getEnvAsDuration("TCP_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("TCP_INACTIVITY_TIMEOUT", 2*time.Minute),
		},
		MQTT: MQTTConfig{
			Enabled:  getEnvAsBool("MQTT_ENABLED", false),
			Broker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID: getEnv("MQTT_CLIENT_ID", "telemetry-gateway"),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			Topic:    getEnv("MQTT_TOPIC", "empresa/+/sensor/+/data"),
			QoS:      getEnvAsInt("MQTT_QOS", 1),
		},
		RateLimit: RateLimitConfig{
			DeviceLimit:   getEnvAsInt("RATE_LIMIT_DEVICE", 100000),
			DeviceWindow:  getEnvAsDuration("RATE_LIMIT_DEVICE_WINDOW", time.Minute),
			UserPerMinute: getEnvAsInt("RATE_LIMIT_USER_PER_MINUTE", 10),
			UserPerHour:   getEnvAsInt("RATE_LIMIT_USER_PER_HOUR", 100),
			IngestPath:    getEnv("RATE_LIMIT_INGEST_PATH", "/ingest"),
		},
		Alerting: AlertingConfig{
			DefaultCooldown:          getEnvAsDuration("ALERT_COOLDOWN", 15*time.Minute),
			DefaultHysteresisPercent: getEnvAsFloat("ALERT_HYSTERESIS_PERCENT", 5),
			StateTTL:                 getEnvAsDuration("ALERT_STATE_TTL", 7*24*time.Hour),
			ConfigCacheTTL:           getEnvAsDuration("ALERT_CONFIG_CACHE_TTL", time.Minute),
			Workers:                  getEnvAsInt("ALERT_WORKERS", 16),
		},
		Dispatch: DispatchConfig{
			MaxAttempts:       getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5),
			InitialBackoff:    getEnvAsDuration("DISPATCH_INITIAL_BACKOFF", time.Second),
			MaxBackoff:        getEnvAsDuration("DISPATCH_MAX_BACKOFF", 5*time.Minute),
			BackoffFactor:     getEnvAsFloat("DISPATCH_BACKOFF_FACTOR", 2),
			RecipientCacheTTL: getEnvAsDuration("DISPATCH_RECIPIENT_CACHE_TTL", time.Minute),
			TimerWorkers:      getEnvAsInt("DISPATCH_TIMER_WORKERS", 4),
			WSPort:            getEnvAsInt("NOTIFIER_HTTP_PORT", 8082),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "alerts@example.com"),
		},
		SES: SESConfig{
			Enabled: getEnvAsBool("SES_ENABLED", false),
			Region:  getEnv("AWS_REGION", "us-east-1"),
			From:    getEnv("SES_FROM", "alerts@example.com"),
		},
		Resend: ResendConfig{
			APIKey: getEnv("RESEND_API_KEY", ""),
			From:   getEnv("RESEND_FROM", "alerts@example.com"),
		},
		SMS: SMSConfig{
			BaseURL:  getEnv("SMS_BASE_URL", ""),
			APIToken: getEnv("SMS_API_TOKEN", ""),
			Sender:   getEnv("SMS_SENDER", "ALERTS"),
			Timeout:  getEnvAsDuration("SMS_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.BackoffFactor < 1 {
		return fmt.Errorf("DISPATCH_BACKOFF_FACTOR must be >= 1, got %v", c.Dispatch.BackoffFactor)
	}
	if c.RateLimit.DeviceWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_DEVICE_WINDOW must be positive")
	}
	if c.RateLimit.DeviceLimit < 1 || c.RateLimit.UserPerMinute < 1 || c.RateLimit.UserPerHour < 1 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Alerting.DefaultHysteresisPercent < 0 || c.Alerting.DefaultHysteresisPercent > 100 {
		return fmt.Errorf("ALERT_HYSTERESIS_PERCENT must be within [0, 100], got %v", c.Alerting.DefaultHysteresisPercent)
	}
	if c.Alerting.Workers < 1 {
		return fmt.Errorf("ALERT_WORKERS must be at least 1")
	}
	if len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "" {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
