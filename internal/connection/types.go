package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCircuitDisabled      = errors.New("realtime service disabled")
	ErrConnectTimeout       = errors.New("connection attempt timed out")
	ErrAttemptAborted       = errors.New("connection attempt aborted")
)

// WebSocket close codes the manager classifies.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// ConnectionState is the single source of truth for status indicators.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateDisabled     ConnectionState = "disabled"
)

// String returns the state name.
func (s ConnectionState) String() string {
	return string(s)
}

// StateChange describes a single transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error // lastError after the transition, if any
	At   time.Time
}

// CloseError reports how a socket closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("socket closed with code %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("socket closed with code %d", e.Code)
}

// isAuthFailure reports whether the server used the close code to reject credentials.
func isAuthFailure(code int) bool {
	return code == ClosePolicyViolation || code == CloseInternalError
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	ConnectTimeout     time.Duration // Guards a stuck "connecting" attempt
	ReconnectBaseDelay time.Duration // Delay before attempt n is n * base
	MaxAttempts        int           // Retries before the circuit opens
}

// DefaultManagerConfig returns the production timings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:     5 * time.Second,
		ReconnectBaseDelay: 2 * time.Second,
		MaxAttempts:        3,
	}
}

// SocketConfig configures the gorilla-backed dialer.
type SocketConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // 0 disables keepalive pings
	PongWait         time.Duration // Read deadline extended by each pong
}

// DefaultSocketConfig returns sensible defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
	}
}
