package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/protocol"
	"github.com/smukkama/telemetry-alerts/internal/workerpool"
)

// EventHandler feeds alert events from the alerts topic to the dispatcher.
// Events of one alert are dispatched in order; different alerts in parallel.
type EventHandler struct {
	dispatcher *Dispatcher
	pool       *workerpool.KeyedPool
	attempts   int
	backoff    time.Duration
	log        zerolog.Logger
}

// NewEventHandler creates a handler dispatching on pool
func NewEventHandler(dispatcher *Dispatcher, pool *workerpool.KeyedPool) *EventHandler {
	return &EventHandler{
		dispatcher: dispatcher,
		pool:       pool,
		attempts:   3,
		backoff:    500 * time.Millisecond,
		log:        logger.WithComponent("alert_events"),
	}
}

// HandleBatch is the queue.BatchHandler for the alerts topic
func (h *EventHandler) HandleBatch(ctx context.Context, batch []kafka.Message) {
	events := make([]*protocol.AlertEvent, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for _, msg := range batch {
		ev, err := protocol.DecodeAlertEvent(msg.Value)
		if err != nil {
			h.log.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("skipping undecodable alert event")
			continue
		}
		events = append(events, ev)
		keys = append(keys, ev.Alert.ID)
	}

	err := h.pool.Run(ctx, keys, func(i int) {
		h.dispatch(ctx, events[i])
	})
	if err != nil {
		h.log.Error().Err(err).Int("batch", len(batch)).Msg("batch not fully dispatched")
	}
}

// dispatch retries a batch whose recipients could not be resolved.
// Deliveries already reserved by an earlier try are skipped.
func (h *EventHandler) dispatch(ctx context.Context, ev *protocol.AlertEvent) {
	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		if _, err = h.dispatcher.Dispatch(ctx, &ev.Alert, ev.Trigger); err == nil {
			return
		}
		if attempt == h.attempts {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * h.backoff):
			continue
		case <-ctx.Done():
		}
		break
	}

	h.log.Error().Err(err).
		Str("alert_id", ev.Alert.ID).
		Str("trigger", string(ev.Trigger)).
		Int("generation", ev.Alert.Generation).
		Msg("failed to dispatch alert event")
}
