package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/auth"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	devices map[string]*models.Device
	sensors map[string]*models.SensorConfig
	err     error
}

func (f *fakeLookup) Device(ctx context.Context, id string) (*models.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.devices[id], nil
}

func (f *fakeLookup) Sensor(ctx context.Context, id string) (*models.SensorConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sensors[id], nil
}

type fakeSink struct {
	readings []*models.Reading
	err      error
}

func (f *fakeSink) PublishReading(ctx context.Context, r *models.Reading) error {
	if f.err != nil {
		return f.err
	}
	f.readings = append(f.readings, r)
	return nil
}

var receivedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T) (*Gateway, *fakeLookup, *fakeSink) {
	t.Helper()
	lookup := &fakeLookup{
		devices: map[string]*models.Device{
			"dev-1":     {ID: "dev-1", TenantID: "acme", TokenHash: "hash-1", Active: true},
			"dev-off":   {ID: "dev-off", TenantID: "acme", TokenHash: "hash-2", Active: false},
			"dev-other": {ID: "dev-other", TenantID: "globex", TokenHash: "hash-3", Active: true},
		},
		sensors: map[string]*models.SensorConfig{
			"S1": {SensorID: "S1", TenantID: "acme", Type: models.SensorTemperature},
			"H1": {SensorID: "H1", TenantID: "acme", Type: models.SensorHumidity},
		},
	}
	sink := &fakeSink{}
	g := NewGateway(lookup, sink)
	g.verify = func(hash, token string) bool { return token == "secret-"+hash[len(hash)-1:] }
	return g, lookup, sink
}

func httpMeta() TransportMeta {
	return TransportMeta{Transport: models.TransportHTTP, DeviceID: "dev-1", Token: "secret-1", ReceivedAt: receivedAt}
}

func TestIngest_AcceptsValidReading(t *testing.T) {
	g, _, sink := newTestGateway(t)

	raw := []byte(`{"deviceId":"dev-1","sensorId":"S1","type":"temperature","value":31.5,"unit":"C","timestamp":"2026-02-01T07:59:30Z"}`)
	r, err := g.Ingest(context.Background(), raw, httpMeta())
	require.NoError(t, err)

	assert.Equal(t, "S1", r.SensorID)
	assert.Equal(t, "dev-1", r.DeviceID)
	assert.Equal(t, "acme", r.TenantID)
	assert.Equal(t, models.SensorTemperature, r.Type)
	assert.Equal(t, 31.5, r.Value)
	assert.Equal(t, "C", r.Unit)
	assert.Equal(t, time.Date(2026, 2, 1, 7, 59, 30, 0, time.UTC), r.Timestamp)
	assert.Equal(t, receivedAt, r.ReceivedAt)
	assert.Equal(t, models.TransportHTTP, r.Transport)

	require.Len(t, sink.readings, 1)
	assert.Same(t, r, sink.readings[0])
}

func TestIngest_DefaultsTimestampAndUnit(t *testing.T) {
	g, _, _ := newTestGateway(t)

	r, err := g.Ingest(context.Background(), []byte(`{"sensorId":"H1","type":"HUMIDITY","value":40}`), httpMeta())
	require.NoError(t, err)
	assert.Equal(t, receivedAt, r.Timestamp)
	assert.Equal(t, "%", r.Unit)
}

func TestIngest_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"sensorId":`},
		{"missing sensor", `{"type":"TEMPERATURE","value":20}`},
		{"missing type", `{"sensorId":"S1","value":20}`},
		{"unknown type", `{"sensorId":"S1","type":"LUX","value":20}`},
		{"null value", `{"sensorId":"S1","type":"TEMPERATURE","value":null}`},
		{"missing value", `{"sensorId":"S1","type":"TEMPERATURE"}`},
		{"NaN string", `{"sensorId":"S1","type":"TEMPERATURE","value":"NaN"}`},
		{"numeric string", `{"sensorId":"S1","type":"TEMPERATURE","value":"21.5"}`},
		{"boolean", `{"sensorId":"S1","type":"TEMPERATURE","value":true}`},
		{"overflow to infinity", `{"sensorId":"S1","type":"TEMPERATURE","value":1e999}`},
		{"below plausible", `{"sensorId":"S1","type":"TEMPERATURE","value":-91}`},
		{"above plausible", `{"sensorId":"S1","type":"TEMPERATURE","value":150.1}`},
		{"humidity above 100", `{"sensorId":"H1","type":"HUMIDITY","value":100.5}`},
		{"bad timestamp", `{"sensorId":"S1","type":"TEMPERATURE","value":20,"timestamp":"yesterday"}`},
		{"device mismatch", `{"deviceId":"dev-2","sensorId":"S1","type":"TEMPERATURE","value":20}`},
		{"sensor type mismatch", `{"sensorId":"S1","type":"HUMIDITY","value":20}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, sink := newTestGateway(t)
			r, err := g.Ingest(context.Background(), []byte(tt.raw), httpMeta())
			assert.Nil(t, r)
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
			assert.Empty(t, sink.readings)
		})
	}
}

func TestIngest_PlausibleBoundsAreInclusive(t *testing.T) {
	g, _, _ := newTestGateway(t)
	for _, v := range []string{"-90", "150"} {
		_, err := g.Ingest(context.Background(), []byte(`{"sensorId":"S1","type":"TEMPERATURE","value":`+v+`}`), httpMeta())
		assert.NoError(t, err, v)
	}
}

func TestIngest_UnknownDevice(t *testing.T) {
	g, _, _ := newTestGateway(t)
	body := []byte(`{"sensorId":"S1","type":"TEMPERATURE","value":20}`)

	for name, meta := range map[string]TransportMeta{
		"unregistered": {Transport: models.TransportHTTP, DeviceID: "ghost", Token: "x"},
		"inactive":     {Transport: models.TransportHTTP, DeviceID: "dev-off", Token: "secret-2"},
		"bad token":    {Transport: models.TransportSocket, DeviceID: "dev-1", Token: "wrong"},
		"no token":     {Transport: models.TransportHTTP, DeviceID: "dev-1"},
	} {
		_, err := g.Ingest(context.Background(), body, meta)
		assert.True(t, errors.Is(err, ErrUnknownDevice), "%s: got %v", name, err)

		rej, ok := AsRejection(err)
		require.True(t, ok, name)
		assert.Equal(t, ReasonUnknownDevice, rej.Reason)
	}
}

func TestIngest_SensorNotConfigured(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.Ingest(context.Background(), []byte(`{"sensorId":"S9","type":"TEMPERATURE","value":20}`), httpMeta())
	assert.True(t, errors.Is(err, ErrSensorNotConfigured))

	// S1 belongs to acme
	meta := TransportMeta{Transport: models.TransportHTTP, DeviceID: "dev-other", Token: "secret-3"}
	_, err = g.Ingest(context.Background(), []byte(`{"sensorId":"S1","type":"TEMPERATURE","value":20}`), meta)
	assert.True(t, errors.Is(err, ErrSensorNotConfigured))
}

func TestIngest_MQTTTopicMetadata(t *testing.T) {
	g, _, _ := newTestGateway(t)
	meta := TransportMeta{Transport: models.TransportMQTT, TenantID: "acme", SensorID: "S1"}

	r, err := g.Ingest(context.Background(), []byte(`{"deviceId":"dev-1","type":"TEMPERATURE","value":22}`), meta)
	require.NoError(t, err, "broker messages carry no device token")
	assert.Equal(t, "S1", r.SensorID)
	assert.Equal(t, models.TransportMQTT, r.Transport)

	_, err = g.Ingest(context.Background(), []byte(`{"deviceId":"dev-1","sensorId":"H1","type":"HUMIDITY","value":22}`), meta)
	assert.True(t, errors.Is(err, ErrMalformedPayload), "topic and body sensor disagree")

	meta.TenantID = "globex"
	_, err = g.Ingest(context.Background(), []byte(`{"deviceId":"dev-1","type":"TEMPERATURE","value":22}`), meta)
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestIngest_DependencyFailuresAreNotRejections(t *testing.T) {
	g, lookup, sink := newTestGateway(t)
	body := []byte(`{"sensorId":"S1","type":"TEMPERATURE","value":20}`)

	lookup.err = errors.New("db down")
	_, err := g.Ingest(context.Background(), body, httpMeta())
	require.Error(t, err)
	_, isRejection := AsRejection(err)
	assert.False(t, isRejection)

	lookup.err = nil
	sink.err = errors.New("broker unavailable")
	_, err = g.Ingest(context.Background(), body, httpMeta())
	require.Error(t, err)
	_, isRejection = AsRejection(err)
	assert.False(t, isRejection)
}

func TestIngest_RealTokenVerification(t *testing.T) {
	hash, err := auth.HashDeviceToken("tok")
	require.NoError(t, err)

	lookup := &fakeLookup{
		devices: map[string]*models.Device{"d": {ID: "d", TenantID: "t", TokenHash: hash, Active: true}},
		sensors: map[string]*models.SensorConfig{"s": {SensorID: "s", TenantID: "t", Type: models.SensorCO2}},
	}
	g := NewGateway(lookup, nil)
	body := []byte(`{"sensorId":"s","type":"CO2","value":800}`)

	_, err = g.Ingest(context.Background(), body, TransportMeta{Transport: models.TransportHTTP, DeviceID: "d", Token: "tok"})
	assert.NoError(t, err)
	_, err = g.Ingest(context.Background(), body, TransportMeta{Transport: models.TransportHTTP, DeviceID: "d", Token: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestIngest_DeviceAdmissionSkipsHTTP(t *testing.T) {
	g, _, sink := newTestGateway(t)
	var admitted []string
	limited := false
	g.SetDeviceAdmission(func(ctx context.Context, deviceID string) error {
		admitted = append(admitted, deviceID)
		if limited {
			return &ratelimit.RateLimitError{Tracker: "device:" + deviceID, Window: "device", RetryAfter: time.Second}
		}
		return nil
	})
	body := []byte(`{"sensorId":"S1","type":"TEMPERATURE","value":20}`)

	_, err := g.Ingest(context.Background(), body, httpMeta())
	require.NoError(t, err)
	assert.Empty(t, admitted, "HTTP requests are counted by the admission pipeline")

	socket := TransportMeta{Transport: models.TransportSocket, DeviceID: "dev-1", Token: "secret-1"}
	_, err = g.Ingest(context.Background(), body, socket)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1"}, admitted)

	limited = true
	_, err = g.Ingest(context.Background(), body, socket)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimited, rej.Reason)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Len(t, sink.readings, 2)
}
