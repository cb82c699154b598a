package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/hirestream/internal/auth"
)

// Controller is the part of the Manager the Gate drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Disabled() bool
}

// Gate connects on login and disconnects on logout.
type Gate struct {
	ctrl   Controller
	tokens auth.TokenProvider
	events auth.EventSource
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	unsub  func()
	cancel context.CancelFunc
}

// NewGate creates a Gate. Nothing happens until Start.
func NewGate(ctrl Controller, tokens auth.TokenProvider, events auth.EventSource, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ctrl:   ctrl,
		tokens: tokens,
		events: events,
		logger: logger.With("component", "auth_gate"),
	}
}

// ShouldConnect reports whether a connection is currently allowed.
func (g *Gate) ShouldConnect() bool {
	return auth.Usable(g.tokens) && !g.ctrl.Disabled()
}

// Start subscribes to auth events and connects right away if already logged in.
// Calling Start twice is a no-op.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	if g.unsub != nil {
		g.mu.Unlock()
		return
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.unsub = g.events.Subscribe(g.handleAuthChange)
	g.mu.Unlock()

	if g.ShouldConnect() {
		go g.connect("startup")
	}
}

// Stop unsubscribes from auth events. It does not disconnect.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unsub == nil {
		return
	}
	g.unsub()
	g.unsub = nil
	g.cancel()
}

func (g *Gate) handleAuthChange(authenticated bool) {
	if !authenticated {
		g.logger.Info("logged out, disconnecting")
		g.ctrl.Disconnect()
		return
	}

	if !g.ShouldConnect() {
		g.logger.Debug("login ignored", "disabled", g.ctrl.Disabled())
		return
	}
	// Connect blocks until the attempt settles; keep the event source free.
	go g.connect("login")
}

func (g *Gate) connect(trigger string) {
	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	if ctx == nil {
		return
	}

	if err := g.ctrl.Connect(ctx); err != nil && ctx.Err() == nil {
		g.logger.Warn("connect failed", "trigger", trigger, "error", err)
	}
}
