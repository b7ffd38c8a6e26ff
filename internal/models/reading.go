package models

import (
	"time"
)

// SensorType identifies the physical quantity a sensor measures
type SensorType string

const (
	SensorTemperature SensorType = "TEMPERATURE"
	SensorHumidity    SensorType = "HUMIDITY"
	SensorWeight      SensorType = "WEIGHT"
	SensorPressure    SensorType = "PRESSURE"
	SensorCO2         SensorType = "CO2"
)

// Transport names the channel a reading arrived on
type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportMQTT   Transport = "mqtt"
	TransportSocket Transport = "socket"
)

// Reading is one timestamped measurement, normalized across transports.
// Readings are created by the ingestion gateway and never mutated.
type Reading struct {
	SensorID   string     `json:"sensor_id"`
	DeviceID   string     `json:"device_id"`
	TenantID   string     `json:"tenant_id"`
	Type       SensorType `json:"type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Timestamp  time.Time  `json:"timestamp"`
	ReceivedAt time.Time  `json:"received_at"`
	Transport  Transport  `json:"transport"`
}

// Device is a registered IoT device
type Device struct {
	ID        string
	TenantID  string
	TokenHash string
	Active    bool
	CreatedAt time.Time
}
