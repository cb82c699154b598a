package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is a single open WebSocket as seen by the manager.
type Socket interface {
	// ReadMessage blocks until the next text/binary frame or a close/error.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text frame.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and reason, then releases the connection.
	Close(code int, reason string) error
}

// Dialer opens sockets. The manager never dials directly so tests can swap it.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// wsDialer implements Dialer with gorilla/websocket.
type wsDialer struct {
	cfg    SocketConfig
	logger *slog.Logger
}

// NewDialer creates a gorilla-backed Dialer.
func NewDialer(cfg SocketConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsDialer{cfg: cfg, logger: logger}
}

// Dial performs the handshake. A 401/403 handshake response is reported as a
// policy-violation close so the manager treats it as an authentication failure.
func (d *wsDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{
				Code:   ClosePolicyViolation,
				Reason: fmt.Sprintf("handshake rejected: %s", resp.Status),
			}
		}
		return nil, err
	}

	s := &wsSocket{
		conn:   conn,
		cfg:    d.cfg,
		logger: d.logger,
		done:   make(chan struct{}),
	}
	s.installHandlers()

	if d.cfg.PingInterval > 0 {
		go s.heartbeatLoop()
	}

	return s, nil
}

// wsSocket implements Socket.
type wsSocket struct {
	conn   *websocket.Conn
	cfg    SocketConfig
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSocket) installHandlers() {
	if s.cfg.PongWait <= 0 {
		return
	}

	extend := func() {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
	extend()

	// Server pings and our pongs both prove the peer is alive.
	s.conn.SetPingHandler(func(data string) error {
		extend()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
}

// ReadMessage reads the next data frame.
func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// WriteMessage writes a text frame under the write deadline.
func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends the close frame once and closes the connection.
func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

// heartbeatLoop sends keepalive pings until the socket closes.
func (s *wsSocket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// closeCodeOf maps a read/dial error to the close code the manager classifies.
// Anything that is not an explicit close frame is an abnormal closure.
func closeCodeOf(err error) (int, string) {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return wsErr.Code, wsErr.Text
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	if err == nil {
		return CloseAbnormal, ""
	}
	return CloseAbnormal, err.Error()
}
