// Package gateway serves the HTTP control plane and the WebSocket chat
// surface. The WebSocket is a thin reprojection of the event bus: agent
// events stream out as frames, chat frames come in as inbound messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/internal/sessions"
	"github.com/talon-ai/talon/pkg/models"
)

// Hooks are the daemon operations the control plane can trigger.
type Hooks struct {
	// Reload re-reads the config file and reconciles subsystems.
	Reload func(ctx context.Context) error
	// Shutdown begins graceful process shutdown. It must not block.
	Shutdown func()
}

// Server is the HTTP/WS gateway.
type Server struct {
	cfg      config.GatewayConfig
	bus      *bus.Bus
	store    sessions.Store
	hooks    Hooks
	hub      *wsHub
	registry *prometheus.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics

	version   string
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the gateway. The prometheus registry must be the one the
// shared metrics were registered on.
func NewServer(cfg config.GatewayConfig, b *bus.Bus, store sessions.Store, hooks Hooks,
	registry *prometheus.Registry, version string,
	logger *observability.Logger, metrics *observability.Metrics) *Server {

	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Server{
		cfg:       cfg,
		bus:       b,
		store:     store,
		hooks:     hooks,
		registry:  registry,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With("component", "gateway"),
		metrics:   metrics,
	}
	s.hub = newWSHub(s)
	return s
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start validates auth, binds the listener, and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := ValidateAuth(s.cfg); err != nil {
		return err
	}
	if err := s.hub.subscribe(s.bus); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String(), "auth", s.authModeName())
	return nil
}

// Stop drains connections and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.hub.closeAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (s *Server) authModeName() string {
	if s.cfg.Auth.Mode == "" {
		return AuthNone
	}
	return s.cfg.Auth.Mode
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/sessions", s.handleSessions)
	protected.HandleFunc("POST /api/sessions/{key}/reset", s.handleSessionReset)
	protected.HandleFunc("POST /api/admin/reload", s.handleReload)
	protected.HandleFunc("POST /api/admin/shutdown", s.handleShutdown)
	protected.Handle("GET /ws", http.HandlerFunc(s.hub.serveWS))
	mux.Handle("/", s.authMiddleware(protected))

	return mux
}

type healthResponse struct {
	Status        string      `json:"status"`
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	Stats         healthStats `json:"stats"`
}

type healthStats struct {
	Sessions  int `json:"sessions"`
	WSClients int `json:"wsClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessionCount := 0
	if list, err := s.store.List(r.Context()); err == nil {
		sessionCount = len(list)
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Stats: healthStats{
			Sessions:  sessionCount,
			WSClients: s.hub.clientCount(),
		},
	})
}

type sessionSummary struct {
	Key          string `json:"key"`
	ID           string `json:"id"`
	Channel      string `json:"channel"`
	State        string `json:"state"`
	MessageCount int    `json:"messageCount"`
	Tokens       int    `json:"tokens"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, sessionSummary{
			Key:          sess.Key,
			ID:           sess.ID,
			Channel:      string(sess.Channel),
			State:        string(sess.State),
			MessageCount: sess.MessageCount,
			Tokens:       sess.Tokens,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if strings.TrimSpace(key) == "" {
		http.Error(w, "session key required", http.StatusBadRequest)
		return
	}
	sess, err := s.store.Reset(r.Context(), key)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.bus.Publish(models.Event{
		Topic:      models.TopicSessionReset,
		SessionKey: key,
		Payload:    models.SessionEvent{Key: sess.Key, ID: sess.ID, Channel: sess.Channel},
		Time:       time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"key": sess.Key, "id": sess.ID})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Reload == nil {
		http.Error(w, "reload unavailable", http.StatusNotImplemented)
		return
	}
	if err := s.hooks.Reload(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Shutdown == nil {
		http.Error(w, "shutdown unavailable", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	s.hooks.Shutdown()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
