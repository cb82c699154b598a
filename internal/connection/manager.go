package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/hirestream/internal/auth"
	"github.com/rickgao/hirestream/internal/metrics"
)

const tracerName = "github.com/rickgao/hirestream/internal/connection"

// Dispatcher receives every inbound frame. The Event Router implements it.
type Dispatcher interface {
	Dispatch(data []byte)
}

// ManagerStats is a consistent snapshot of the manager's bookkeeping.
type ManagerStats struct {
	State             ConnectionState
	ReconnectAttempts int
	Disabled          bool
	LastError         error
	SessionID         string    // Empty when no attempt is live
	ConnectedSince    time.Time // Zero unless connected
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithSocketConfig configures the default dialer. Ignored when WithDialer is used.
func WithSocketConfig(cfg SocketConfig) Option {
	return func(m *Manager) {
		m.socketCfg = cfg
	}
}

// WithClock replaces the wall clock used for the connect timeout and reconnect delays.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = t
	}
}

// Manager owns the single realtime socket: it connects when allowed, classifies
// closes, retries with linear backoff and opens the circuit when retries run out.
type Manager struct {
	cfg        ManagerConfig
	socketCfg  SocketConfig
	endpoint   EndpointBuilder
	tokens     auth.TokenProvider
	dispatcher Dispatcher
	dialer     Dialer
	clock      Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	feed       *stateFeed

	mu             sync.Mutex
	state          ConnectionState
	disabled       bool
	attempts       int
	lastError      error
	session        *session
	connectedAt    time.Time
	connectTimer   Timer
	reconnectTimer Timer
	reconnectSeq   uint64
}

// session is one connection attempt and, once open, its socket.
type session struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	socket Socket

	// Closed once the attempt opens or fails; err is set before.
	done    chan struct{}
	err     error
	settled bool
}

// finish settles the attempt. Must be called with the manager lock held.
func (s *session) finish(err error) {
	if s.settled {
		return
	}
	s.settled = true
	s.err = err

	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
	close(s.done)
}

// NewManager creates a Connection Manager. dispatcher may be nil.
func NewManager(cfg ManagerConfig, endpoint EndpointBuilder, tokens auth.TokenProvider, dispatcher Dispatcher, opts ...Option) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	m := &Manager{
		cfg:        cfg,
		socketCfg:  DefaultSocketConfig(),
		endpoint:   endpoint,
		tokens:     tokens,
		dispatcher: dispatcher,
		clock:      realClock{},
		logger:     slog.Default(),
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With("component", "realtime")
	if m.dialer == nil {
		m.dialer = NewDialer(m.socketCfg, m.logger)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	m.feed = newStateFeed(m.logger)
	m.metrics.SetConnectionState(string(StateDisconnected))

	return m
}

// Connect starts an attempt if none is live, the circuit is closed and a usable
// token exists. When any of those fails it returns nil without doing anything.
// Otherwise it blocks until the attempt opens (nil) or fails, or until ctx ends;
// the attempt keeps running in the background in that case.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	s, err := m.beginAttemptLocked("connect")
	m.mu.Unlock()

	if err != nil || s == nil {
		return err
	}

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cancels pending timers, closes the socket with a normal close and
// resets the retry counter. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopConnectTimerLocked()
	m.stopReconnectTimerLocked()
	m.abortSessionLocked(ErrAttemptAborted, CloseNormal, "Client disconnect")
	m.attempts = 0

	// Only Enable leaves disabled.
	if !m.disabled {
		m.setStateLocked(StateDisconnected)
	}
}

// Enable closes the circuit and clears the retry bookkeeping. A manager parked
// in disabled or error returns to disconnected; it does not connect by itself.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasDisabled := m.disabled
	m.disabled = false
	m.attempts = 0
	m.lastError = nil

	if m.state == StateDisabled || m.state == StateError {
		m.stopReconnectTimerLocked()
		m.setStateLocked(StateDisconnected)
	}

	if wasDisabled {
		m.logger.Info("realtime service re-enabled")
	}
}

// Send JSON-encodes v and writes it while connected. json.RawMessage is sent
// as is. Returns false without touching the socket otherwise.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.session == nil || m.session.socket == nil {
		m.mu.Unlock()
		m.logger.Debug("send skipped, not connected")
		return false
	}
	sock := m.session.socket
	sessionID := m.session.id
	m.mu.Unlock()

	var data []byte
	switch msg := v.(type) {
	case json.RawMessage:
		data = msg
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			m.logger.Warn("failed to encode outbound message", "error", err)
			return false
		}
	}

	if err := sock.WriteMessage(data); err != nil {
		m.logger.Warn("failed to send message", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the current error or disabled state.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// ReconnectAttempts returns how many retries have been scheduled since the last open.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Disabled reports whether the circuit is open.
func (m *Manager) Disabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// Stats returns a snapshot of the manager's bookkeeping.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		Disabled:          m.disabled,
		LastError:         m.lastError,
	}
	if m.session != nil {
		stats.SessionID = m.session.id.String()
	}
	if m.state == StateConnected {
		stats.ConnectedSince = m.connectedAt
	}
	return stats
}

// OnStateChange registers fn for every transition, delivered in order on a
// separate goroutine. The returned func unregisters it.
func (m *Manager) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return m.feed.subscribe(fn)
}

// beginAttemptLocked starts a new attempt, or returns (nil, nil) when the
// preconditions do not hold. Setup failures open the circuit.
func (m *Manager) beginAttemptLocked(trigger string) (*session, error) {
	if m.disabled {
		m.logger.Debug("connect skipped", "reason", "disabled")
		return nil, nil
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.logger.Debug("connect skipped", "reason", "already "+m.state.String())
		return nil, nil
	}
	if !auth.Usable(m.tokens) {
		m.logger.Debug("connect skipped", "reason", "not authenticated")
		return nil, nil
	}

	m.stopReconnectTimerLocked()

	endpoint, err := m.endpoint()
	if err != nil {
		return nil, m.disableLocked(fmt.Errorf("build endpoint: %w", err))
	}
	token, err := m.tokens.AccessToken()
	if err != nil {
		return nil, m.disableLocked(fmt.Errorf("get access token: %w", err))
	}
	target, err := withToken(endpoint, token)
	if err != nil {
		return nil, m.disableLocked(err)
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := m.tracer.Start(ctx, "hirestream.connect",
		trace.WithAttributes(
			attribute.String("session_id", id.String()),
			attribute.String("trigger", trigger),
			attribute.Int("attempt", m.attempts),
		),
	)

	s := &session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		span:   span,
		done:   make(chan struct{}),
	}
	m.session = s
	m.setStateLocked(StateConnecting)
	m.armConnectTimerLocked(s)

	m.logger.Info("connecting",
		"session_id", id,
		"endpoint", endpoint,
		"attempt", m.attempts,
		"trigger", trigger,
	)

	go m.dial(s, target)

	return s, nil
}

// dial runs one attempt to completion on its own goroutine.
func (m *Manager) dial(s *session, target string) {
	sock, err := m.dialer.Dial(s.ctx, target)
	if err != nil {
		code, reason := closeCodeOf(err)
		m.handleClose(s, code, reason)
		return
	}

	if !m.handleOpen(s, sock) {
		sock.Close(CloseNormal, "Stale attempt")
		return
	}

	m.readLoop(s, sock)
}

func (m *Manager) readLoop(s *session, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			code, reason := closeCodeOf(err)
			m.handleClose(s, code, reason)
			return
		}

		if m.dispatcher == nil || !m.isCurrent(s) {
			continue
		}
		m.metrics.IncReceived()
		m.dispatcher.Dispatch(data)
	}
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == s
}

func (m *Manager) handleOpen(s *session, sock Socket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != s {
		m.logger.Debug("discarding socket from stale attempt", "session_id", s.id)
		return false
	}

	m.stopConnectTimerLocked()
	s.socket = sock
	m.attempts = 0
	m.lastError = nil
	m.connectedAt = m.clock.Now()
	m.setStateLocked(StateConnected)
	s.finish(nil)

	m.logger.Info("realtime connected", "session_id", s.id)
	return true
}

// handleClose classifies a close of the current attempt and decides whether to retry.
func (m *Manager) handleClose(s *session, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != s {
		m.logger.Debug("ignoring close from stale attempt", "session_id", s.id, "code", code)
		return
	}

	m.stopConnectTimerLocked()
	m.session = nil
	s.cancel()
	if s.socket != nil {
		s.socket.Close(CloseNormal, "")
	}
	m.metrics.ObserveClose(code)

	closeErr := &CloseError{Code: code, Reason: reason}
	logger := m.logger.With("session_id", s.id, "code", code)

	if m.disabled {
		s.finish(closeErr)
		return
	}

	switch {
	case code == CloseNormal:
		m.setStateLocked(StateDisconnected)
		s.finish(closeErr)
		logger.Info("realtime closed")
		return

	case isAuthFailure(code):
		m.lastError = fmt.Errorf("%w: %w", ErrAuthenticationFailed, closeErr)
		m.setStateLocked(StateError)
		s.finish(m.lastError)
		logger.Warn("realtime authentication failed", "reason", reason)
		return
	}

	m.lastError = closeErr
	m.setStateLocked(StateError)
	logger.Warn("realtime connection lost", "reason", reason, "attempts", m.attempts)

	if m.attempts >= m.cfg.MaxAttempts {
		s.finish(m.disableLocked(closeErr))
		return
	}
	s.finish(closeErr)

	if !auth.Usable(m.tokens) {
		logger.Info("not reconnecting, no usable token")
		return
	}
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectTimerLocked()

	m.attempts++
	delay := time.Duration(m.attempts) * m.cfg.ReconnectBaseDelay
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.fireReconnect(seq)
	})
	m.metrics.IncReconnects()

	m.logger.Info("scheduling reconnect",
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", delay,
	)
}

func (m *Manager) fireReconnect(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.reconnectSeq || m.reconnectTimer == nil {
		return
	}
	m.reconnectTimer = nil

	if m.disabled || !auth.Usable(m.tokens) {
		m.logger.Debug("reconnect cancelled", "disabled", m.disabled)
		return
	}
	m.beginAttemptLocked("reconnect")
}

func (m *Manager) armConnectTimerLocked(s *session) {
	m.stopConnectTimerLocked()
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.fireConnectTimeout(s)
	})
}

func (m *Manager) fireConnectTimeout(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != s || m.state != StateConnecting {
		return
	}
	m.connectTimer = nil

	m.logger.Warn("connection attempt timed out",
		"session_id", s.id,
		"timeout", m.cfg.ConnectTimeout,
	)
	m.disableLocked(ErrConnectTimeout)
}

func (m *Manager) stopConnectTimerLocked() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

// stopReconnectTimerLocked also invalidates a callback that already fired
// and is waiting for the lock.
func (m *Manager) stopReconnectTimerLocked() {
	m.reconnectSeq++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// abortSessionLocked drops the live attempt, closing its socket if it opened.
func (m *Manager) abortSessionLocked(err error, code int, reason string) {
	s := m.session
	if s == nil {
		return
	}
	m.session = nil
	s.cancel()
	if s.socket != nil {
		if cerr := s.socket.Close(code, reason); cerr != nil {
			m.logger.Debug("socket close failed", "session_id", s.id, "error", cerr)
		}
	}
	s.finish(err)
}

// disableLocked opens the circuit. Returns the wrapped cause.
func (m *Manager) disableLocked(cause error) error {
	err := fmt.Errorf("%w: %w", ErrCircuitDisabled, cause)

	m.stopConnectTimerLocked()
	m.stopReconnectTimerLocked()
	m.abortSessionLocked(err, CloseNormal, "Service disabled")

	m.disabled = true
	m.lastError = err
	m.setStateLocked(StateDisabled)
	m.metrics.IncDisabled()

	m.logger.Error("realtime service disabled", "error", cause)
	return err
}

func (m *Manager) setStateLocked(to ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.SetConnectionState(string(to))

	m.feed.publish(StateChange{
		From: from,
		To:   to,
		Err:  m.lastError,
		At:   m.clock.Now(),
	})

	m.logger.Debug("state changed", "from", from, "to", to)
}
