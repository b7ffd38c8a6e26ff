// Package pipeline evaluates consumed readings and feeds the verdicts into
// the alert lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/evaluator"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/protocol"
	"github.com/smukkama/telemetry-alerts/internal/workerpool"
)

// SensorLookup returns the current configuration of a sensor
type SensorLookup interface {
	Sensor(ctx context.Context, sensorID string) (*models.SensorConfig, error)
}

// Lifecycle applies verdicts to alert state; *alerting.Manager satisfies it
type Lifecycle interface {
	Apply(ctx context.Context, verdict models.Verdict, cfg models.SensorConfig) (*alerting.Transition, error)
}

// Processor evaluates readings. Readings of one sensor are processed one
// at a time, in the order they were consumed.
type Processor struct {
	sensors   SensorLookup
	lifecycle Lifecycle
	pool      *workerpool.KeyedPool
	attempts  int
	backoff   time.Duration
	log       zerolog.Logger
}

// NewProcessor creates a processor running on pool
func NewProcessor(sensors SensorLookup, lifecycle Lifecycle, pool *workerpool.KeyedPool) *Processor {
	return &Processor{
		sensors:   sensors,
		lifecycle: lifecycle,
		pool:      pool,
		attempts:  3,
		backoff:   200 * time.Millisecond,
		log:       logger.WithComponent("pipeline"),
	}
}

// Process evaluates one reading against its sensor configuration and
// applies every verdict. Verdict failures do not stop the others.
func (p *Processor) Process(ctx context.Context, reading *models.Reading) ([]*alerting.Transition, error) {
	start := time.Now()
	defer func() {
		metrics.ReadingProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	cfg, err := p.sensors.Sensor(ctx, reading.SensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sensor %s: %w", reading.SensorID, err)
	}
	if cfg == nil {
		// removed after the reading was accepted
		p.log.Warn().Str("sensor_id", reading.SensorID).Msg("sensor no longer configured, dropping reading")
		return nil, nil
	}

	var (
		transitions []*alerting.Transition
		errs        []error
	)
	for _, verdict := range evaluator.EvaluateAll(*reading, *cfg) {
		metrics.VerdictsTotal.WithLabelValues(string(verdict.Severity)).Inc()

		t, err := p.lifecycle.Apply(ctx, verdict, *cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", verdict.ConditionType, err))
			continue
		}
		transitions = append(transitions, t)
	}
	return transitions, errors.Join(errs...)
}

// HandleBatch is the queue.BatchHandler for the readings topic. It returns
// once every reading of the batch has been processed or given up on.
func (p *Processor) HandleBatch(ctx context.Context, batch []kafka.Message) {
	readings := make([]*models.Reading, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for _, msg := range batch {
		r, err := protocol.DecodeReading(msg.Value)
		if err != nil {
			p.log.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("skipping undecodable reading")
			continue
		}
		readings = append(readings, r)
		keys = append(keys, r.SensorID)
	}

	err := p.pool.Run(ctx, keys, func(i int) {
		p.processWithRetry(ctx, readings[i])
	})
	if err != nil {
		p.log.Error().Err(err).Int("batch", len(batch)).Msg("batch not fully processed")
	}
}

// processWithRetry retries dependency failures a few times. Lifecycle
// writes are conditional on the version, and a trigger whose publish
// failed stays on the alert record until a later attempt sends it.
func (p *Processor) processWithRetry(ctx context.Context, r *models.Reading) {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		var transitions []*alerting.Transition
		transitions, err = p.Process(ctx, r)
		if err == nil {
			for _, t := range transitions {
				if t.Notify() {
					p.log.Debug().
						Str("sensor_id", r.SensorID).
						Str("alert_id", t.Alert.ID).
						Str("trigger", string(t.Trigger)).
						Msg("reading produced alert transition")
				}
			}
			return
		}
		if attempt == p.attempts {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * p.backoff):
			continue
		case <-ctx.Done():
		}
		break
	}

	p.log.Error().Err(err).
		Str("sensor_id", r.SensorID).
		Float64("value", r.Value).
		Msg("failed to process reading")
}
