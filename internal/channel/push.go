package channel

import (
	"context"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// PushEvent is the realtime frame broadcast for an alert transition
type PushEvent struct {
	Type    string      `json:"type"`
	Payload PushPayload `json:"payload"`
}

type PushPayload struct {
	AlertID       string               `json:"alertId"`
	SensorID      string               `json:"sensorId"`
	ConditionType models.ConditionType `json:"conditionType"`
	Severity      models.Severity      `json:"severity"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Publisher fans an event out to connected clients
type Publisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// PushAdapter publishes alert events to the realtime hub
type PushAdapter struct {
	hub Publisher
	now func() time.Time
}

func NewPushAdapter(hub Publisher) *PushAdapter {
	return &PushAdapter{hub: hub, now: time.Now}
}

func (a *PushAdapter) Channel() models.Channel { return models.ChannelPush }

// Send broadcasts the alert. Triggers without a push event are accepted
// without sending anything.
func (a *PushAdapter) Send(ctx context.Context, msg Message) error {
	if msg.Alert == nil {
		return Permanent("no_alert", "push message without alert")
	}
	name := msg.Trigger.EventName()
	if name == "" {
		return nil
	}

	ev := PushEvent{
		Type: name,
		Payload: PushPayload{
			AlertID:       msg.Alert.ID,
			SensorID:      msg.Alert.SensorID,
			ConditionType: msg.Alert.ConditionType,
			Severity:      msg.Alert.Severity,
			Timestamp:     a.now().UTC(),
		},
	}
	if err := a.hub.Publish(ctx, ev); err != nil {
		return Temporary("hub_unavailable", err.Error())
	}
	return nil
}
