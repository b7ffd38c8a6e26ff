package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// ReadingEnvelope is the record format of the readings topic
type ReadingEnvelope struct {
	Reading models.Reading `json:"reading"`
}

// AlertEvent is the record format of the alerts topic: one notification
// trigger together with the alert snapshot it applies to.
type AlertEvent struct {
	Trigger models.Trigger `json:"trigger"`
	Alert   models.Alert   `json:"alert"`
}

// EncodeReading encodes a reading for the readings topic
func EncodeReading(r *models.Reading) ([]byte, error) {
	return json.Marshal(ReadingEnvelope{Reading: *r})
}

// DecodeReading decodes a readings topic record
func DecodeReading(data []byte) (*models.Reading, error) {
	var env ReadingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Reading.SensorID == "" {
		return nil, fmt.Errorf("reading without sensor id")
	}
	return &env.Reading, nil
}

// EncodeAlertEvent encodes an alert transition for the alerts topic
func EncodeAlertEvent(alert *models.Alert, trigger models.Trigger) ([]byte, error) {
	return json.Marshal(AlertEvent{Trigger: trigger, Alert: *alert})
}

// DecodeAlertEvent decodes an alerts topic record
func DecodeAlertEvent(data []byte) (*AlertEvent, error) {
	var ev AlertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Alert.ID == "" || ev.Trigger == "" {
		return nil, fmt.Errorf("alert event missing id or trigger")
	}
	return &ev, nil
}
