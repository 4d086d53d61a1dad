// Package api serves the medsync HTTP surface: the peer sync endpoints, the
// admin endpoints, health and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/version"
)

// Server is the HTTP API server for medsync.
type Server struct {
	config      config.ServerConfig
	http        *http.Server
	engine      *sync.Engine
	metrics     *Metrics
	rateLimiter *RateLimiter
	log         *slog.Logger
	cancel      context.CancelFunc
	addr        net.Addr
}

// NewServer creates a new Server for the engine.
func NewServer(cfg config.ServerConfig, engine *sync.Engine, log *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("api server needs an engine")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		config:      cfg,
		engine:      engine,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		log:         log.With("component", "api"),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.rateLimiter.Run(ctx)

	s.log.Info("listening", "addr", s.addr.String())
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Peer sync
	mux.HandleFunc("POST /v1/sync/exchange", s.requirePeer(s.withPeerRateLimit(s.handleExchange)))
	mux.HandleFunc("POST /v1/sync/confirm", s.requirePeer(s.withPeerRateLimit(s.handleConfirm)))

	// Admin: records
	mux.HandleFunc("GET /v1/admin/stats", s.requireAdmin(s.handleStats))
	mux.HandleFunc("GET /v1/admin/history", s.requireAdmin(s.handleHistory))
	mux.HandleFunc("GET /v1/admin/records", s.requireAdmin(s.handleListRecords))
	mux.HandleFunc("GET /v1/admin/records/{id}", s.requireAdmin(s.handleGetRecord))
	mux.HandleFunc("POST /v1/admin/records/{id}/reset", s.requireAdmin(s.handleResetRecord))
	mux.HandleFunc("POST /v1/admin/records/{id}/remove", s.requireAdmin(s.handleRemoveRecord))

	// Admin: peers
	mux.HandleFunc("GET /v1/admin/peers", s.requireAdmin(s.handleListPeers))
	mux.HandleFunc("POST /v1/admin/peers", s.requireAdmin(s.handleRegisterPeer))
	mux.HandleFunc("GET /v1/admin/peers/{id}", s.requireAdmin(s.handleGetPeer))
	mux.HandleFunc("PATCH /v1/admin/peers/{id}", s.requireAdmin(s.handleUpdatePeer))
	mux.HandleFunc("DELETE /v1/admin/peers/{id}", s.requireAdmin(s.handleDeletePeer))
	mux.HandleFunc("PUT /v1/admin/peers/{id}/classes/{class}", s.requireAdmin(s.handleSetClassPolicy))
	mux.HandleFunc("POST /v1/admin/peers/{id}/rotate-token", s.requireAdmin(s.handleRotateToken))
	mux.HandleFunc("POST /v1/admin/peers/{id}/exchange", s.requireAdmin(s.handleTriggerExchange))

	// Admin: file channel
	mux.HandleFunc("GET /v1/admin/peers/{id}/transmission", s.requireAdmin(s.handleExport))
	mux.HandleFunc("POST /v1/admin/transmissions", s.requireAdmin(s.handleImport))
	mux.HandleFunc("POST /v1/admin/responses", s.requireAdmin(s.handleImportResponse))

	// Admin: local entity store
	mux.HandleFunc("GET /v1/admin/entities/{class}/{uuid}", s.requireAdmin(s.handleGetEntity))
	mux.HandleFunc("PUT /v1/admin/entities/{class}/{uuid}", s.requireAdmin(s.handlePutEntity))
	mux.HandleFunc("DELETE /v1/admin/entities/{class}/{uuid}", s.requireAdmin(s.handleDeleteEntity))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.log),
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		corsMiddleware(s.config.CORSAllowedOrigins),
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Nickname string `json:"nickname"`
	Version  string `json:"version"`
}

// handleHealth returns a health check response, pinging the database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	self := s.engine.Self()
	resp := HealthResponse{Status: "ok", ServerID: self.ID, Nickname: self.Nickname, Version: version.Version}
	if err := s.engine.Ping(r.Context()); err != nil {
		logFor(r.Context()).Error("health ping", "err", err)
		resp.Status = "error"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
