package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:0" }

type mockConn struct {
	closed bool
}

func (m *mockConn) Read(b []byte) (n int, err error)   { return 0, nil }
func (m *mockConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (m *mockConn) Close() error                       { m.closed = true; return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func TestManager_Register(t *testing.T) {
	m := NewManager(10)

	require.NoError(t, m.Register("conn1", "dev-1", &mockConn{}))
	assert.Equal(t, 1, m.Count())

	client, ok := m.Get("conn1")
	require.True(t, ok)
	assert.Equal(t, "dev-1", client.DeviceID)
	assert.Equal(t, "127.0.0.1:0", client.RemoteAddr)

	assert.Error(t, m.Register("conn1", "dev-1", &mockConn{}), "duplicate connection ID")
}

func TestManager_RegisterMaxConnections(t *testing.T) {
	m := NewManager(2)

	require.NoError(t, m.Register("conn1", "dev-1", &mockConn{}))
	require.NoError(t, m.Register("conn2", "dev-2", &mockConn{}))

	err := m.Register("conn3", "dev-3", &mockConn{})
	assert.ErrorIs(t, err, ErrMaxConnectionsReached)
}

func TestManager_UnregisterKeepsOtherDeviceSockets(t *testing.T) {
	m := NewManager(10)

	require.NoError(t, m.Register("conn1", "dev-1", &mockConn{}))
	require.NoError(t, m.Register("conn2", "dev-1", &mockConn{}))
	require.NoError(t, m.Register("conn3", "dev-2", &mockConn{}))

	assert.ElementsMatch(t, []string{"conn1", "conn2"}, m.GetByDevice("dev-1"))

	require.NoError(t, m.Unregister("conn1"))
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []string{"conn2"}, m.GetByDevice("dev-1"))

	require.NoError(t, m.Unregister("conn2"))
	assert.Empty(t, m.GetByDevice("dev-1"))
	assert.Equal(t, 1, m.Stats().UniqueDevices)

	assert.Error(t, m.Unregister("conn2"))
}

func TestManager_UpdateActivity(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", "dev-1", &mockConn{}))

	client, _ := m.Get("conn1")
	first := client.GetLastHeardFrom()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.UpdateActivity("conn1"))
	assert.True(t, client.GetLastHeardFrom().After(first))

	assert.Error(t, m.UpdateActivity("missing"))
}

func TestManager_GetInactiveConnections(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", "dev-1", &mockConn{}))
	require.NoError(t, m.Register("conn2", "dev-2", &mockConn{}))

	client1, _ := m.Get("conn1")
	client1.mu.Lock()
	client1.LastHeardFrom = time.Now().Add(-5 * time.Minute)
	client1.mu.Unlock()

	assert.Equal(t, []string{"conn1"}, m.GetInactiveConnections(2*time.Minute))
}

func TestManager_CloseAllAndStats(t *testing.T) {
	m := NewManager(100)
	c1, c2 := &mockConn{}, &mockConn{}
	require.NoError(t, m.Register("conn1", "dev-1", c1))
	require.NoError(t, m.Register("conn2", "dev-1", c2))

	stats := m.Stats()
	assert.Equal(t, ManagerStats{TotalConnections: 2, UniqueDevices: 1, MaxConnections: 100}, stats)

	assert.Equal(t, 2, m.CloseAll())
	assert.True(t, c1.closed)
	assert.True(t, c2.closed)
}
