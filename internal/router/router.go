package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/hirestream/internal/metrics"
)

// Router decodes inbound messages and fans them out to subscribers by type.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	subs map[string][]*Subscription

	statsMu     sync.Mutex
	received    int64
	routed      int64
	parseErrors int64
	unrouted    int64
	panics      int64
}

// NewRouter creates an Event Router. m may be nil.
func NewRouter(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger.With("component", "router"),
		metrics: m,
		now:     time.Now,
		subs:    make(map[string][]*Subscription),
	}
}

// Subscribe appends fn to the handlers for eventType.
func (r *Router) Subscribe(eventType string, fn HandlerFunc) *Subscription {
	sub := &Subscription{eventType: eventType, fn: fn}

	r.mu.Lock()
	r.subs[eventType] = append(r.subs[eventType], sub)
	r.mu.Unlock()

	r.logger.Debug("subscribed", "type", eventType)
	return sub
}

// Unsubscribe removes sub from its type's handlers. No-op if absent or nil.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.eventType]
	for i, s := range list {
		if s == sub {
			// Copy so an in-flight dispatch keeps its snapshot intact.
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			r.subs[sub.eventType] = next
			return
		}
	}
}

// Subscribers returns how many handlers are registered for eventType.
func (r *Router) Subscribers(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}

// Dispatch decodes data and calls each handler for its type in subscription
// order. Malformed messages and messages nobody listens to are dropped.
// Handlers run on the caller's goroutine; a panicking handler is logged and
// the remaining handlers still run.
func (r *Router) Dispatch(data []byte) {
	r.count(&r.received)

	env, err := parseEnvelope(data, r.now())
	if err != nil {
		r.count(&r.parseErrors)
		r.metrics.IncParseErrors()
		r.logger.Warn("dropping malformed message", "error", err, "size", len(data))
		return
	}

	r.mu.RLock()
	handlers := r.subs[env.Type]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.count(&r.unrouted)
		r.metrics.IncUnrouted()
		r.logger.Debug("no subscribers", "type", env.Type)
		return
	}

	for _, sub := range handlers {
		r.invoke(sub, env)
	}

	r.count(&r.routed)
	r.metrics.IncDispatched(env.Type)
}

func (r *Router) invoke(sub *Subscription, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.count(&r.panics)
			r.metrics.IncHandlerPanics(env.Type)
			r.logger.Error("handler panicked", "type", env.Type, "panic", p)
		}
	}()
	sub.fn(env)
}

func (r *Router) count(field *int64) {
	r.statsMu.Lock()
	*field++
	r.statsMu.Unlock()
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnroutedMessages: r.unrouted,
		HandlerPanics:    r.panics,
	}
}
