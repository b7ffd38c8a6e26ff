package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/protocol"
	"github.com/smukkama/telemetry-alerts/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	alertID  string
	sensorID string
	trigger  models.Trigger
	severity models.Severity
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []published
	failures int
	calls    int
}

func (p *fakePublisher) PublishAlertEvent(ctx context.Context, a *models.Alert, trigger models.Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("kafka: broker not available")
	}
	p.events = append(p.events, published{a.ID, a.SensorID, trigger, a.Severity})
	return nil
}

func (p *fakePublisher) bySensor(sensorID string) []models.Trigger {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Trigger
	for _, e := range p.events {
		if e.sensorID == sensorID {
			out = append(out, e.trigger)
		}
	}
	return out
}

type fakeSensors struct {
	mu       sync.Mutex
	configs  map[string]*models.SensorConfig
	failures int
}

func (f *fakeSensors) Sensor(ctx context.Context, id string) (*models.SensorConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("postgres unavailable")
	}
	return f.configs[id], nil
}

func fp(v float64) *float64 { return &v }

func sensorConfig(id string) *models.SensorConfig {
	return &models.SensorConfig{
		SensorID:      id,
		TenantID:      "acme",
		Type:          models.SensorTemperature,
		LocationID:    "loc-1",
		Thresholds:    models.Thresholds{Max: fp(30), Critical: fp(35)},
		Policy:        models.Policy{HysteresisPercent: 5, Cooldown: 15 * time.Minute},
		Notifications: models.NotificationConfig{Email: true},
	}
}

type fixture struct {
	processor *Processor
	pub       *fakePublisher
	sensors   *fakeSensors
	store     *alerting.RedisStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := &fakePublisher{}
	sensors := &fakeSensors{configs: map[string]*models.SensorConfig{
		"S1": sensorConfig("S1"),
		"S2": sensorConfig("S2"),
	}}

	pool := workerpool.NewKeyedPool("readings", 4, 16)
	pool.Start()
	t.Cleanup(pool.Stop)

	store := alerting.NewRedisStore(client, time.Hour)
	mgr := alerting.NewManager(store, nil, pub, 15*time.Minute)
	p := NewProcessor(sensors, mgr, pool)
	p.backoff = time.Millisecond
	return &fixture{processor: p, pub: pub, sensors: sensors, store: store}
}

func readingMessage(t *testing.T, sensorID string, value float64) kafka.Message {
	t.Helper()
	data, err := protocol.EncodeReading(&models.Reading{
		SensorID:  sensorID,
		DeviceID:  "dev-1",
		TenantID:  "acme",
		Type:      models.SensorTemperature,
		Value:     value,
		Unit:      "C",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(sensorID), Value: data}
}

func TestHandleBatch_ScenarioS1InOneBatch(t *testing.T) {
	f := newFixture(t)

	f.processor.HandleBatch(context.Background(), []kafka.Message{
		readingMessage(t, "S1", 31),
		readingMessage(t, "S1", 32),
		readingMessage(t, "S1", 36),
		readingMessage(t, "S1", 20),
	})

	assert.Equal(t,
		[]models.Trigger{models.TriggerCreated, models.TriggerEscalated, models.TriggerResolved},
		f.pub.bySensor("S1"))
}

func TestHandleBatch_DuplicateReadingsCreateOneAlertPerSensor(t *testing.T) {
	f := newFixture(t)

	var batch []kafka.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, readingMessage(t, "S1", 40), readingMessage(t, "S2", 40))
	}
	f.processor.HandleBatch(context.Background(), batch)

	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S1"))
	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S2"))
}

func TestHandleBatch_SkipsBadMessagesAndUnknownSensors(t *testing.T) {
	f := newFixture(t)

	f.processor.HandleBatch(context.Background(), []kafka.Message{
		{Value: []byte("not json")},
		readingMessage(t, "S404", 99),
		readingMessage(t, "S1", 31),
	})

	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S1"))
	assert.Empty(t, f.pub.bySensor("S404"))
}

func TestHandleBatch_RetriesDependencyFailures(t *testing.T) {
	f := newFixture(t)
	f.sensors.failures = 2

	f.processor.HandleBatch(context.Background(), []kafka.Message{readingMessage(t, "S1", 36)})
	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S1"))
}

func TestHandleBatch_RepublishesAfterPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.failures = 1

	f.processor.HandleBatch(context.Background(), []kafka.Message{readingMessage(t, "S1", 36)})
	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S1"))
	assert.Equal(t, 2, f.pub.calls)

	live, err := f.store.Load(context.Background(), "S1", models.NewConditionType(models.SensorTemperature, models.DirectionHigh))
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, models.SeverityCritical, live.Severity)
	assert.Empty(t, live.PendingTrigger)

	// replaying the reading later does not publish it again
	f.processor.HandleBatch(context.Background(), []kafka.Message{readingMessage(t, "S1", 36)})
	assert.Equal(t, []models.Trigger{models.TriggerCreated}, f.pub.bySensor("S1"))
}

func TestProcess_ReturnsTransitionPerDirection(t *testing.T) {
	f := newFixture(t)
	cfg := sensorConfig("S3")
	cfg.Thresholds.Min = fp(5)
	f.sensors.configs["S3"] = cfg

	transitions, err := f.processor.Process(context.Background(), &models.Reading{
		SensorID: "S3", Type: models.SensorTemperature, Value: 2, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, transitions, 2, "HIGH and LOW are tracked separately")

	var triggers []models.Trigger
	for _, tr := range transitions {
		triggers = append(triggers, tr.Trigger)
	}
	assert.ElementsMatch(t, []models.Trigger{"", models.TriggerCreated}, triggers)
}
