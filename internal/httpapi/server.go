package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rickgao/hirestream/internal/connection"
	"github.com/rickgao/hirestream/internal/router"
	"github.com/rickgao/hirestream/internal/version"
)

// DefaultReconnectWait bounds how long POST /reconnect waits for the attempt to settle.
const DefaultReconnectWait = 10 * time.Second

// Realtime is the part of the connection manager the operator surface drives.
type Realtime interface {
	Stats() connection.ManagerStats
	Enable()
	Connect(ctx context.Context) error
}

// RouterStats reports event router counters.
type RouterStats interface {
	Stats() router.RouterStats
}

// Status is the JSON body of /health, /status and /reconnect.
type Status struct {
	State             string         `json:"state"`
	LastError         string         `json:"last_error,omitempty"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	Disabled          bool           `json:"disabled"`
	SessionID         string         `json:"session_id,omitempty"`
	ConnectedSince    *time.Time     `json:"connected_since,omitempty"`
	Router            routerStatus   `json:"router"`
	Components        map[string]any `json:"components,omitempty"`
	Version           string         `json:"version"`
}

type routerStatus struct {
	MessagesReceived int64 `json:"messages_received"`
	MessagesRouted   int64 `json:"messages_routed"`
	ParseErrors      int64 `json:"parse_errors"`
	UnroutedMessages int64 `json:"unrouted_messages"`
	HandlerPanics    int64 `json:"handler_panics"`
}

// Server serves health, status, manual reconnect and metrics.
type Server struct {
	realtime      Realtime
	router        RouterStats
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	reconnectWait time.Duration

	mu         sync.RWMutex
	components map[string]func() any
}

// New creates the operator server. gatherer may be nil to omit /metrics.
func New(rt Realtime, rs RouterStats, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		realtime:      rt,
		router:        rs,
		gatherer:      gatherer,
		logger:        logger.With("component", "httpapi"),
		reconnectWait: DefaultReconnectWait,
		components:    make(map[string]func() any),
	}
}

// AddComponent includes stats() under components.<name> in status payloads.
func (s *Server) AddComponent(name string, stats func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = stats
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/reconnect", s.handleReconnect)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	code := http.StatusOK
	if status.State != connection.StateConnected.String() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleReconnect is the manual retry affordance shown once the circuit opens.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	switch s.realtime.Stats().State {
	case connection.StateConnecting, connection.StateConnected:
		writeJSON(w, http.StatusConflict, s.status())
		return
	}

	s.realtime.Enable()

	ctx, cancel := context.WithTimeout(r.Context(), s.reconnectWait)
	defer cancel()

	if err := s.realtime.Connect(ctx); err != nil {
		s.logger.Warn("manual reconnect failed", "error", err)
		writeJSON(w, http.StatusBadGateway, s.status())
		return
	}
	s.logger.Info("manual reconnect requested", "state", s.realtime.Stats().State)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() Status {
	ms := s.realtime.Stats()
	st := Status{
		State:             ms.State.String(),
		ReconnectAttempts: ms.ReconnectAttempts,
		Disabled:          ms.Disabled,
		SessionID:         ms.SessionID,
		Version:           version.Version,
	}
	if ms.LastError != nil {
		st.LastError = ms.LastError.Error()
	}
	if !ms.ConnectedSince.IsZero() {
		since := ms.ConnectedSince
		st.ConnectedSince = &since
	}
	if s.router != nil {
		rs := s.router.Stats()
		st.Router = routerStatus{
			MessagesReceived: rs.MessagesReceived,
			MessagesRouted:   rs.MessagesRouted,
			ParseErrors:      rs.ParseErrors,
			UnroutedMessages: rs.UnroutedMessages,
			HandlerPanics:    rs.HandlerPanics,
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.components) > 0 {
		st.Components = make(map[string]any, len(s.components))
		for name, stats := range s.components {
			st.Components[name] = stats()
		}
	}
	return st
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
