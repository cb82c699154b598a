// Package relay republishes realtime envelopes on Redis pub/sub so other
// processes (dashboards, notifiers) can follow events without their own socket.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/hirestream/internal/metrics"
	"github.com/rickgao/hirestream/internal/router"
)

// DefaultChannelPrefix namespaces relay channels.
const DefaultChannelPrefix = "hirestream"

// Config configures the relay.
type Config struct {
	ChannelPrefix string   // Channels are "<prefix>:<type>"
	EventTypes    []string // Envelope types to republish
}

// Stats contains relay statistics.
type Stats struct {
	Published int64
	Errors    int64
}

// Relay publishes each subscribed envelope's raw JSON to Redis.
type Relay struct {
	client  redis.UniversalClient
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *router.Queue[router.Envelope]

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// New creates a Relay. m may be nil.
func New(client redis.UniversalClient, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	return &Relay{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "relay"),
		metrics: m,
		input:   router.NewQueue[router.Envelope](64),
	}
}

// Attach subscribes the relay to every configured type on rt.
func (r *Relay) Attach(rt *router.Router) []*router.Subscription {
	subs := make([]*router.Subscription, 0, len(r.cfg.EventTypes))
	for _, eventType := range r.cfg.EventTypes {
		subs = append(subs, rt.Subscribe(eventType, router.Enqueue(r.input)))
	}
	return subs
}

// Channel returns the Redis channel for eventType.
func (r *Relay) Channel(eventType string) string {
	return r.cfg.ChannelPrefix + ":" + eventType
}

// Start begins publishing queued envelopes.
func (r *Relay) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.stop = make(chan struct{})

	r.wg.Add(1)
	go r.publishLoop()

	r.logger.Info("relay started",
		"prefix", r.cfg.ChannelPrefix,
		"event_types", r.cfg.EventTypes,
	)
	return nil
}

// Stop lets an in-flight publish finish, publishes what is still queued
// using ctx, then stops. If ctx ends first the in-flight publish is cancelled.
func (r *Relay) Stop(ctx context.Context) error {
	r.input.Close()
	if r.cancel == nil {
		r.publishPending(ctx)
		r.logger.Info("relay stopped")
		return nil
	}

	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.cancel()
		<-done
	}

	r.publishPending(ctx)
	r.cancel()
	r.logger.Info("relay stopped")
	return nil
}

// Stats returns current statistics.
func (r *Relay) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Relay) publishLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.input.Ready():
			r.publishPending(r.ctx)
		}
	}
}

func (r *Relay) publishPending(ctx context.Context) {
	for _, env := range r.input.Drain(0) {
		r.publish(ctx, env)
	}
}

// publish never fails the caller; errors are logged and counted.
func (r *Relay) publish(ctx context.Context, env router.Envelope) {
	channel := r.Channel(env.Type)

	if err := r.client.Publish(ctx, channel, []byte(env.Raw)).Err(); err != nil {
		r.statsMu.Lock()
		r.stats.Errors++
		r.statsMu.Unlock()
		r.metrics.IncRelayErrors()
		r.logger.Warn("publish failed", "channel", channel, "error", err)
		return
	}

	r.statsMu.Lock()
	r.stats.Published++
	r.statsMu.Unlock()
	r.metrics.IncRelayPublished(env.Type)
}
