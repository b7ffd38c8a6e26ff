package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// casScript writes a new alert record only if the stored version still
// equals the expected one. KEYS[1] is the state hash, KEYS[2] the id index.
// ARGV: expected version, new version, alert json, ttl in ms (0 = persist).
var casScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'version')
	if not current then
		current = '0'
	end
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'version', ARGV[2], 'alert', ARGV[3])
	local ttl = tonumber(ARGV[4])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
		redis.call('SET', KEYS[2], KEYS[1], 'PX', ttl)
	else
		redis.call('PERSIST', KEYS[1])
		redis.call('SET', KEYS[2], KEYS[1])
	end
	return 1
`)

// StateStore persists the live alert of each (sensor, condition) pair
type StateStore interface {
	// Load returns the current record for the pair, or nil when none exists
	Load(ctx context.Context, sensorID string, cond models.ConditionType) (*models.Alert, error)
	// LoadByID returns the live record of an alert, or nil when it is gone
	LoadByID(ctx context.Context, alertID string) (*models.Alert, error)
	// CompareAndSwap stores next if the stored version equals expected.
	// On success next.Version holds the new version.
	CompareAndSwap(ctx context.Context, expected int64, next *models.Alert) error
}

// RedisStore keeps alert state in Redis hashes guarded by a version field
type RedisStore struct {
	redis *redis.Client
	// ttl applies to terminal records; active records never expire
	ttl time.Duration
}

// NewRedisStore creates a new Redis-backed state store
func NewRedisStore(redisClient *redis.Client, terminalTTL time.Duration) *RedisStore {
	return &RedisStore{redis: redisClient, ttl: terminalTTL}
}

// StateKey returns the hash key for a (sensor, condition) pair
func StateKey(sensorID string, cond models.ConditionType) string {
	return fmt.Sprintf("alert_state:%s:%s", sensorID, cond)
}

func indexKey(alertID string) string {
	return "alert_index:" + alertID
}

// Load retrieves the alert record for a sensor and condition
func (s *RedisStore) Load(ctx context.Context, sensorID string, cond models.ConditionType) (*models.Alert, error) {
	return s.loadKey(ctx, StateKey(sensorID, cond))
}

// LoadByID retrieves an alert through its index key. A record that has
// since been replaced by a newer alert for the same pair is reported as gone.
func (s *RedisStore) LoadByID(ctx context.Context, alertID string) (*models.Alert, error) {
	key, err := s.redis.Get(ctx, indexKey(alertID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert index from Redis: %w", err)
	}

	alert, err := s.loadKey(ctx, key)
	if err != nil || alert == nil {
		return alert, err
	}
	if alert.ID != alertID {
		return nil, nil
	}
	return alert, nil
}

func (s *RedisStore) loadKey(ctx context.Context, key string) (*models.Alert, error) {
	vals, err := s.redis.HMGet(ctx, key, "version", "alert").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get state from Redis: %w", err)
	}
	if len(vals) != 2 || vals[1] == nil {
		return nil, nil
	}

	raw, ok := vals[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected alert encoding in %s", key)
	}

	var alert models.Alert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if v, ok := vals[0].(string); ok {
		if version, err := strconv.ParseInt(v, 10, 64); err == nil {
			alert.Version = version
		}
	}
	return &alert, nil
}

// CompareAndSwap writes next when the stored version matches expected
func (s *RedisStore) CompareAndSwap(ctx context.Context, expected int64, next *models.Alert) error {
	next.Version = expected + 1

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	var ttl int64
	if !next.State.Active() && s.ttl > 0 {
		ttl = s.ttl.Milliseconds()
	}

	keys := []string{StateKey(next.SensorID, next.ConditionType), indexKey(next.ID)}
	ok, err := casScript.Run(ctx, s.redis, keys,
		strconv.FormatInt(expected, 10),
		strconv.FormatInt(next.Version, 10),
		string(data),
		strconv.FormatInt(ttl, 10),
	).Int()
	if err != nil {
		next.Version = expected
		return fmt.Errorf("failed to set state in Redis: %w", err)
	}
	if ok == 0 {
		next.Version = expected
		return ErrStateConflict
	}
	return nil
}

// ActiveAlerts returns every PENDING or IN_PROGRESS alert (for monitoring)
func (s *RedisStore) ActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	var (
		cursor uint64
		alerts []*models.Alert
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, "alert_state:*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert states: %w", err)
		}

		for _, key := range keys {
			alert, err := s.loadKey(ctx, key)
			if err != nil || alert == nil {
				continue
			}
			if alert.State.Active() {
				alerts = append(alerts, alert)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return alerts, nil
}
