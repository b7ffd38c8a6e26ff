// Package connection tracks identified device sockets.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientInfo holds information about an identified device socket
type ClientInfo struct {
	ConnectionID  string
	DeviceID      string
	RemoteAddr    string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (c *ClientInfo) UpdateLastHeardFrom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (c *ClientInfo) GetLastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastHeardFrom
}

// Manager manages all identified device connections
type Manager struct {
	clients  map[string]*ClientInfo // key: connection_id
	byDevice map[string][]string    // key: device_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		clients:  make(map[string]*ClientInfo),
		byDevice: make(map[string][]string),
		maxConns: maxConnections,
	}
}

// Register adds an identified connection. A device may hold more than one
// socket, e.g. while a reconnect overlaps the old connection.
func (m *Manager) Register(connectionID, deviceID string, conn net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxConns {
		return ErrMaxConnectionsReached
	}
	if _, exists := m.clients[connectionID]; exists {
		return fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	info := &ClientInfo{
		ConnectionID:  connectionID,
		DeviceID:      deviceID,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	if conn != nil && conn.RemoteAddr() != nil {
		info.RemoteAddr = conn.RemoteAddr().String()
	}

	m.clients[connectionID] = info
	m.byDevice[deviceID] = append(m.byDevice[deviceID], connectionID)
	return nil
}

// Unregister removes a connection
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[connectionID]
	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	ids := m.byDevice[client.DeviceID]
	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byDevice, client.DeviceID)
	} else {
		m.byDevice[client.DeviceID] = ids
	}

	delete(m.clients, connectionID)
	return nil
}

// Get retrieves client information by connection ID
func (m *Manager) Get(connectionID string) (*ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[connectionID]
	return client, exists
}

// GetByDevice returns a copy of the connection IDs held by a device
func (m *Manager) GetByDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byDevice[deviceID]
	result := make([]string, len(ids))
	copy(result, ids)
	return result
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	client, exists := m.clients[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	client.UpdateLastHeardFrom()
	return nil
}

// GetInactiveConnections returns connection IDs that haven't been heard from in the given duration
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for connID, client := range m.clients {
		if now.Sub(client.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

// Count returns the total number of identified connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll closes every registered socket. Handlers unregister themselves.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	conns := make([]net.Conn, 0, len(m.clients))
	for _, c := range m.clients {
		if c.Conn != nil {
			conns = append(conns, c.Conn)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
		UniqueDevices:    len(m.byDevice),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int `json:"totalConnections"`
	UniqueDevices    int `json:"uniqueDevices"`
	MaxConnections   int `json:"maxConnections"`
}

var ErrMaxConnectionsReached = errors.New("maximum connections reached")
