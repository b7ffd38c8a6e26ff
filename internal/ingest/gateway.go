// Package ingest normalizes readings from every transport into one
// canonical shape and rejects anything that should never reach evaluation.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/auth"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
)

// TransportMeta is what the transport knows about a message besides its body
type TransportMeta struct {
	Transport models.Transport
	// DeviceID and Token come from headers or the socket identify frame
	DeviceID string
	Token    string
	// TenantID and SensorID come from the broker topic
	TenantID   string
	SensorID   string
	ReceivedAt time.Time
}

// Lookup resolves devices and sensor configuration
type Lookup interface {
	Device(ctx context.Context, deviceID string) (*models.Device, error)
	Sensor(ctx context.Context, sensorID string) (*models.SensorConfig, error)
}

// Sink receives accepted readings
type Sink interface {
	PublishReading(ctx context.Context, reading *models.Reading) error
}

// DeviceAdmitter counts non-HTTP device traffic against the device policy
type DeviceAdmitter func(ctx context.Context, deviceID string) error

// Gateway validates and normalizes inbound readings
type Gateway struct {
	lookup Lookup
	sink   Sink
	admit  DeviceAdmitter
	verify func(hash, token string) bool
	now    func() time.Time
	log    zerolog.Logger
}

// NewGateway creates a gateway. sink may be nil, in which case accepted
// readings are only returned.
func NewGateway(lookup Lookup, sink Sink) *Gateway {
	return &Gateway{
		lookup: lookup,
		sink:   sink,
		verify: auth.VerifyDeviceToken,
		now:    time.Now,
		log:    logger.WithComponent("ingest"),
	}
}

// SetDeviceAdmission installs the rate limit for socket and MQTT readings.
// HTTP readings are admitted by the request pipeline before they get here.
func (g *Gateway) SetDeviceAdmission(admit DeviceAdmitter) {
	g.admit = admit
}

type payload struct {
	DeviceID  string          `json:"deviceId"`
	SensorID  string          `json:"sensorId"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp string          `json:"timestamp"`
}

// Ingest validates raw and returns the canonical reading. Rejections are
// *RejectionError values; any other error means a dependency failed and
// the message may be retried.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, meta TransportMeta) (*models.Reading, error) {
	reading, err := g.validate(ctx, raw, meta)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			metrics.IngestReadingsTotal.WithLabelValues(string(meta.Transport), string(rej.Reason)).Inc()
			g.log.Debug().
				Str("transport", string(meta.Transport)).
				Str("device_id", meta.DeviceID).
				Str("reason", string(rej.Reason)).
				Str("detail", rej.Detail).
				Msg("reading rejected")
		} else {
			metrics.IngestReadingsTotal.WithLabelValues(string(meta.Transport), "error").Inc()
		}
		return nil, err
	}

	if g.sink != nil {
		if err := g.sink.PublishReading(ctx, reading); err != nil {
			metrics.IngestReadingsTotal.WithLabelValues(string(meta.Transport), "publish_failed").Inc()
			return nil, fmt.Errorf("failed to publish reading: %w", err)
		}
	}

	metrics.IngestReadingsTotal.WithLabelValues(string(meta.Transport), "accepted").Inc()
	return reading, nil
}

func (g *Gateway) validate(ctx context.Context, raw []byte, meta TransportMeta) (*models.Reading, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, reject(ReasonMalformedPayload, "invalid json: %v", err)
	}

	deviceID, err := pick("deviceId", meta.DeviceID, p.DeviceID)
	if err != nil {
		return nil, err
	}
	sensorID, err := pick("sensorId", meta.SensorID, p.SensorID)
	if err != nil {
		return nil, err
	}

	if g.admit != nil && meta.Transport != models.TransportHTTP {
		if err := g.admit(ctx, deviceID); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				return nil, reject(ReasonRateLimited, "%v", err)
			}
			return nil, err
		}
	}

	sensorType := models.SensorType(strings.ToUpper(strings.TrimSpace(p.Type)))
	lo, hi, known := PlausibleRange(sensorType)
	if p.Type == "" {
		return nil, reject(ReasonMalformedPayload, "type is required")
	}
	if !known {
		return nil, reject(ReasonMalformedPayload, "unknown sensor type %q", p.Type)
	}

	value, err := parseValue(p.Value)
	if err != nil {
		return nil, err
	}
	if value < lo || value > hi {
		return nil, reject(ReasonMalformedPayload, "value %v outside plausible range [%v, %v] for %s", value, lo, hi, sensorType)
	}

	receivedAt := meta.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = g.now()
	}
	ts := receivedAt
	if p.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return nil, reject(ReasonMalformedPayload, "timestamp must be RFC3339: %v", err)
		}
	}

	device, err := g.lookup.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || !device.Active {
		return nil, reject(ReasonUnknownDevice, "device %s is not registered or inactive", deviceID)
	}
	if meta.Transport == models.TransportMQTT {
		// broker-delivered messages are authenticated by the broker
		if meta.TenantID != "" && meta.TenantID != device.TenantID {
			return nil, reject(ReasonUnknownDevice, "device %s does not belong to tenant %s", deviceID, meta.TenantID)
		}
	} else if !g.verify(device.TokenHash, meta.Token) {
		return nil, reject(ReasonUnknownDevice, "invalid credentials for device %s", deviceID)
	}

	cfg, err := g.lookup.Sensor(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.TenantID != device.TenantID {
		return nil, reject(ReasonSensorNotConfigured, "sensor %s", sensorID)
	}
	if cfg.Type != sensorType {
		return nil, reject(ReasonMalformedPayload, "sensor %s is %s, got %s", sensorID, cfg.Type, sensorType)
	}

	unit := strings.TrimSpace(p.Unit)
	if unit == "" {
		unit = DefaultUnit(sensorType)
	}

	return &models.Reading{
		SensorID:   sensorID,
		DeviceID:   deviceID,
		TenantID:   device.TenantID,
		Type:       sensorType,
		Value:      value,
		Unit:       unit,
		Timestamp:  ts.UTC(),
		ReceivedAt: receivedAt.UTC(),
		Transport:  meta.Transport,
	}, nil
}

// pick reconciles an identifier known from the transport with the one in
// the body. Either may be absent, but they must agree when both are set.
func pick(field, fromTransport, fromBody string) (string, error) {
	fromTransport = strings.TrimSpace(fromTransport)
	fromBody = strings.TrimSpace(fromBody)

	switch {
	case fromTransport == "" && fromBody == "":
		return "", reject(ReasonMalformedPayload, "%s is required", field)
	case fromTransport == "":
		return fromBody, nil
	case fromBody != "" && fromBody != fromTransport:
		return "", reject(ReasonMalformedPayload, "%s %q does not match %q", field, fromBody, fromTransport)
	}
	return fromTransport, nil
}

func parseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, reject(ReasonMalformedPayload, "value is required")
	}
	if raw[0] == '"' {
		return 0, reject(ReasonMalformedPayload, "value must be a number, got %s", raw)
	}

	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, reject(ReasonMalformedPayload, "value must be a finite number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, reject(ReasonMalformedPayload, "value must be a finite number")
	}
	return v, nil
}
