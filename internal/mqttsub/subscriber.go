// Package mqttsub feeds broker-delivered readings into the ingestion gateway.
package mqttsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/ingest"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// Ingester is the gateway entry point
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, meta ingest.TransportMeta) (*models.Reading, error)
}

// ParseTopic extracts tenant and sensor from empresa/{tenant}/sensor/{sensor}/data
func ParseTopic(topic string) (tenantID, sensorID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "empresa" || parts[2] != "sensor" || parts[4] != "data" {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("empty tenant or sensor in topic %q", topic)
	}
	return parts[1], parts[3], nil
}

// Subscriber consumes sensor readings from an MQTT broker
type Subscriber struct {
	client  mqtt.Client
	cfg     config.MQTTConfig
	gateway Ingester
	timeout time.Duration
	log     zerolog.Logger
}

// NewSubscriber creates a subscriber. Subscriptions are (re)made on every
// connect so they survive broker reconnects.
func NewSubscriber(cfg config.MQTTConfig, gateway Ingester) *Subscriber {
	s := &Subscriber{
		cfg:     cfg,
		gateway: gateway,
		timeout: 10 * time.Second,
		log:     logger.WithComponent("mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			s.log.Error().Err(err).Msg("failed to subscribe after connect")
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.log.Warn().Err(err).Msg("MQTT connection lost")
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker
func (s *Subscriber) Start() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	s.log.Info().Str("broker", s.cfg.Broker).Str("topic", s.cfg.Topic).Msg("MQTT subscriber connected")
	return nil
}

// Stop disconnects, waiting briefly for in-flight work
func (s *Subscriber) Stop() {
	s.client.Disconnect(250)
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
		s.Handle(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.cfg.Topic, token.Error())
	}
	return nil
}

// Handle ingests one broker message. Rejections are logged; the gateway
// counts them.
func (s *Subscriber) Handle(topic string, payload []byte) {
	tenantID, sensorID, err := ParseTopic(topic)
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring message on unexpected topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.gateway.Ingest(ctx, payload, ingest.TransportMeta{
		Transport:  models.TransportMQTT,
		TenantID:   tenantID,
		SensorID:   sensorID,
		ReceivedAt: time.Now(),
	})
	if err == nil {
		return
	}

	if rej, ok := ingest.AsRejection(err); ok {
		s.log.Warn().
			Str("tenant_id", tenantID).
			Str("sensor_id", sensorID).
			Str("reason", string(rej.Reason)).
			Str("detail", rej.Detail).
			Msg("MQTT reading rejected")
		return
	}
	s.log.Error().Err(err).Str("sensor_id", sensorID).Msg("failed to ingest MQTT reading")
}
