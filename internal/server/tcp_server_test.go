package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/connection"
	"github.com/smukkama/telemetry-alerts/internal/ingest"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/protocol"
	"github.com/smukkama/telemetry-alerts/internal/timer"
	"github.com/smukkama/telemetry-alerts/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedIngester answers by sensorId in the reading body
type scriptedIngester struct {
	mu    sync.Mutex
	metas []ingest.TransportMeta
}

func (f *scriptedIngester) Ingest(ctx context.Context, raw []byte, meta ingest.TransportMeta) (*models.Reading, error) {
	f.mu.Lock()
	f.metas = append(f.metas, meta)
	f.mu.Unlock()

	var body struct {
		SensorID string `json:"sensorId"`
	}
	json.Unmarshal(raw, &body)
	switch body.SensorID {
	case "unknown":
		return nil, &ingest.RejectionError{Reason: ingest.ReasonSensorNotConfigured}
	case "broken":
		return nil, errors.New("kafka unavailable")
	}
	return &models.Reading{SensorID: body.SensorID, DeviceID: meta.DeviceID, Value: 21}, nil
}

func startSocketServer(t *testing.T, cfg config.TCPServerConfig) (*SocketServer, *scriptedIngester, *connection.Manager) {
	t.Helper()

	tm := timer.NewTimerManager(1)
	tm.Start()
	connManager := connection.NewManager(cfg.MaxConnections)
	gw := &scriptedIngester{}

	srv := NewSocketServer(&cfg, connManager, tm, gw)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Serve(l)

	t.Cleanup(func() {
		srv.Stop()
		tm.Stop()
	})
	return srv, gw, connManager
}

func testSocketConfig() config.TCPServerConfig {
	return config.TCPServerConfig{
		MaxConnections:    10,
		IdentifyTimeout:   2 * time.Second,
		InactivityTimeout: time.Minute,
	}
}

type deviceClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialDevice(t *testing.T, addr net.Addr) *deviceClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &deviceClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *deviceClient) send(t *testing.T, frame string) protocol.AckMessage {
	t.Helper()
	_, err := c.conn.Write([]byte(frame + "\n"))
	require.NoError(t, err)
	return c.read(t)
}

func (c *deviceClient) read(t *testing.T) protocol.AckMessage {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)

	var ack protocol.AckMessage
	require.NoError(t, json.Unmarshal(line, &ack))
	return ack
}

func TestSocketServer_ReadingFlow(t *testing.T) {
	srv, gw, connManager := startSocketServer(t, testSocketConfig())
	c := dialDevice(t, srv.Addr())

	ack := c.send(t, `{"type":"identify","deviceId":"dev-1","token":"tok"}`)
	assert.Equal(t, protocol.AckStatusIdentified, ack.Status)
	assert.Len(t, connManager.GetByDevice("dev-1"), 1)

	ack = c.send(t, `{"type":"reading","data":{"sensorId":"S1","type":"TEMPERATURE","value":21}}`)
	assert.Equal(t, protocol.AckStatusAccepted, ack.Status)

	ack = c.send(t, `{"type":"reading","data":{"sensorId":"unknown","type":"TEMPERATURE","value":21}}`)
	assert.Equal(t, protocol.AckStatusRejected, ack.Status)
	assert.Equal(t, "sensor_not_configured", ack.Reason)

	ack = c.send(t, `{"type":"reading","data":{"sensorId":"broken","type":"TEMPERATURE","value":21}}`)
	assert.Equal(t, protocol.AckStatusError, ack.Status)

	ack = c.send(t, `{"type":"keepalive"}`)
	assert.Equal(t, protocol.AckStatusAlive, ack.Status)

	ack = c.send(t, `not json`)
	assert.Equal(t, protocol.AckStatusError, ack.Status)

	ack = c.send(t, `{"type":"identify","deviceId":"dev-2","token":"tok"}`)
	assert.Equal(t, protocol.AckStatusError, ack.Status)
	assert.Equal(t, "already identified", ack.Reason)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.metas, 3)
	for _, meta := range gw.metas {
		assert.Equal(t, models.TransportSocket, meta.Transport)
		assert.Equal(t, "dev-1", meta.DeviceID)
		assert.Equal(t, "tok", meta.Token)
		assert.False(t, meta.ReceivedAt.IsZero())
	}
}

func TestSocketServer_RequiresIdentifyFirst(t *testing.T) {
	srv, _, connManager := startSocketServer(t, testSocketConfig())
	c := dialDevice(t, srv.Addr())

	ack := c.send(t, `{"type":"keepalive"}`)
	assert.Equal(t, protocol.AckStatusError, ack.Status)
	assert.Equal(t, "expected identify message", ack.Reason)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.reader.ReadByte()
	assert.Error(t, err, "server closes the connection")
	assert.Zero(t, connManager.Count())
}

func TestSocketServer_IdentifyWithoutToken(t *testing.T) {
	srv, _, _ := startSocketServer(t, testSocketConfig())
	c := dialDevice(t, srv.Addr())

	ack := c.send(t, `{"type":"identify","deviceId":"dev-1"}`)
	assert.Equal(t, protocol.AckStatusError, ack.Status)
	assert.Contains(t, ack.Reason, "token")
}

func TestSocketServer_InactivityClosesConnection(t *testing.T) {
	cfg := testSocketConfig()
	cfg.InactivityTimeout = 100 * time.Millisecond
	srv, _, connManager := startSocketServer(t, cfg)
	c := dialDevice(t, srv.Addr())

	ack := c.send(t, `{"type":"identify","deviceId":"dev-1","token":"tok"}`)
	require.Equal(t, protocol.AckStatusIdentified, ack.Status)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.reader.ReadByte()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return connManager.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSocketServer_MaxConnections(t *testing.T) {
	cfg := testSocketConfig()
	cfg.MaxConnections = 1
	srv, _, _ := startSocketServer(t, cfg)

	first := dialDevice(t, srv.Addr())
	ack := first.send(t, `{"type":"identify","deviceId":"dev-1","token":"tok"}`)
	require.Equal(t, protocol.AckStatusIdentified, ack.Status)

	second := dialDevice(t, srv.Addr())
	ack = second.read(t)
	assert.Equal(t, protocol.AckStatusError, ack.Status)
	assert.Equal(t, "max_connections", ack.Reason)
}
