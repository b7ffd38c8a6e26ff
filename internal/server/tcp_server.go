// Package server hosts the gateway's inbound surfaces: the persistent
// device socket and the HTTP API.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/connection"
	"github.com/smukkama/telemetry-alerts/internal/ingest"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/protocol"
	"github.com/smukkama/telemetry-alerts/internal/timer"
	"github.com/smukkama/telemetry-alerts/pkg/config"
)

const (
	readTimeout   = 30 * time.Second
	ingestTimeout = 10 * time.Second
	maxFrameBytes = 64 * 1024
)

// Ingester is the gateway entry point shared by every transport
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, meta ingest.TransportMeta) (*models.Reading, error)
}

// SocketServer accepts persistent device connections speaking
// line-delimited JSON: identify first, then readings and keepalives.
type SocketServer struct {
	config       *config.TCPServerConfig
	connManager  *connection.Manager
	timerManager *timer.TimerManager
	gateway      Ingester
	listener     net.Listener
	wg           sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	log          zerolog.Logger
}

// NewSocketServer creates a new socket server
func NewSocketServer(cfg *config.TCPServerConfig, connManager *connection.Manager, timerManager *timer.TimerManager, gateway Ingester) *SocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketServer{
		config:       cfg,
		connManager:  connManager,
		timerManager: timerManager,
		gateway:      gateway,
		stopCh:       make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		log:          logger.WithComponent("socket"),
	}
}

// Start listens on the configured port
func (s *SocketServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start socket server: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve accepts connections on an existing listener
func (s *SocketServer) Serve(listener net.Listener) {
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("socket server listening")

	s.wg.Add(1)
	go s.acceptConnections()
}

// Addr returns the listening address
func (s *SocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for
// the handlers to return.
func (s *SocketServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}
		s.connManager.CloseAll()

		s.wg.Wait()
		s.log.Info().Msg("socket server stopped")
	})
}

func (s *SocketServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		if s.connManager.Count() >= s.config.MaxConnections {
			s.log.Warn().Int("max", s.config.MaxConnections).Msg("maximum connections reached, rejecting connection")
			s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, "max_connections"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connectionID := uuid.New().String()
	log := s.log.With().Str("connection_id", connectionID).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("new connection")

	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := readFrame(reader)
	if err != nil {
		log.Debug().Err(err).Msg("failed to read identify frame")
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, err.Error()))
		return
	}
	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, "expected identify message"))
		return
	}

	if err := s.connManager.Register(connectionID, identify.DeviceID, conn); err != nil {
		reason := "failed to register"
		if errors.Is(err, connection.ErrMaxConnectionsReached) {
			reason = "max_connections"
		}
		log.Warn().Err(err).Str("device_id", identify.DeviceID).Msg("failed to register connection")
		s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, reason))
		return
	}
	metrics.SocketConnections.Inc()
	defer func() {
		s.timerManager.Cancel(inactivityTimerID(connectionID))
		s.connManager.Unregister(connectionID)
		metrics.SocketConnections.Dec()
	}()

	log = log.With().Str("device_id", identify.DeviceID).Logger()
	log.Info().Msg("device identified")

	if err := s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Debug().Err(err).Msg("failed to send ack")
		return
	}

	s.scheduleInactivityTimer(connectionID)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := readFrame(reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// the inactivity timer decides when an idle device is dropped
				continue
			}
			log.Debug().Err(err).Msg("connection closed")
			return
		}

		msg, err := protocol.ParseMessage(line)
		if err != nil {
			s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, err.Error()))
			continue
		}

		if err := s.handleMessage(conn, identify, msg, log); err != nil {
			log.Debug().Err(err).Msg("failed to answer frame")
			return
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(connectionID)
	}
}

func (s *SocketServer) handleMessage(conn net.Conn, identify *protocol.IdentifyMessage, msg interface{}, log zerolog.Logger) error {
	switch m := msg.(type) {
	case *protocol.ReadingMessage:
		return s.sendMessage(conn, s.handleReading(identify, m, log))

	case *protocol.KeepaliveMessage:
		return s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusAlive))

	case *protocol.IdentifyMessage:
		return s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, "already identified"))

	default:
		return s.sendMessage(conn, protocol.NewRejectAck(protocol.AckStatusError, fmt.Sprintf("unexpected frame %T", msg)))
	}
}

// handleReading passes the reading to the gateway with the credentials
// from the identify frame and turns the outcome into an ack.
func (s *SocketServer) handleReading(identify *protocol.IdentifyMessage, msg *protocol.ReadingMessage, log zerolog.Logger) *protocol.AckMessage {
	ctx, cancel := context.WithTimeout(s.ctx, ingestTimeout)
	defer cancel()

	reading, err := s.gateway.Ingest(ctx, msg.Data, ingest.TransportMeta{
		Transport:  models.TransportSocket,
		DeviceID:   identify.DeviceID,
		Token:      identify.Token,
		ReceivedAt: time.Now(),
	})
	if err == nil {
		log.Debug().Str("sensor_id", reading.SensorID).Float64("value", reading.Value).Msg("reading accepted")
		return protocol.NewAckMessage(protocol.AckStatusAccepted)
	}

	if rej, ok := ingest.AsRejection(err); ok {
		return protocol.NewRejectAck(protocol.AckStatusRejected, string(rej.Reason))
	}
	log.Error().Err(err).Msg("failed to ingest socket reading")
	return protocol.NewRejectAck(protocol.AckStatusError, "temporarily_unavailable")
}

// readFrame reads one newline-terminated frame, refusing oversized lines
func readFrame(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		frame = append(frame, chunk...)
		if len(frame) > maxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
		}
		if !isPrefix {
			return frame, nil
		}
	}
}

func (s *SocketServer) sendMessage(conn net.Conn, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(append(data, '\n'))
	return err
}

func inactivityTimerID(connectionID string) string {
	return "inactivity-" + connectionID
}

func (s *SocketServer) scheduleInactivityTimer(connectionID string) {
	expiryAt := time.Now().Add(s.config.InactivityTimeout)

	callback := func() {
		client, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}
		s.log.Info().
			Str("connection_id", connectionID).
			Str("device_id", client.DeviceID).
			Msg("inactivity timeout, closing connection")

		// the handler unregisters once its read fails
		client.Conn.Close()
	}

	if err := s.timerManager.Schedule(inactivityTimerID(connectionID), expiryAt, callback); err != nil {
		s.log.Warn().Err(err).Str("connection_id", connectionID).Msg("failed to schedule inactivity timer")
	}
}
