// Package server provides Flynn's HTTP API server: operational probes,
// metrics, and the routes contributed by plugins.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seancwalsh/flynn/internal/registry"
	"github.com/seancwalsh/flynn/internal/version"
	"github.com/seancwalsh/flynn/pkg/plugin"
	"go.uber.org/zap"
)

// PluginSource provides the server with plugin metadata, routes and health.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	Statuses() []registry.PluginStatus
	HealthAll(ctx context.Context) map[string]plugin.HealthStatus
}

// ReadinessChecker returns nil when the server can serve traffic.
type ReadinessChecker func(ctx context.Context) error

// operationalPaths bypass rate limiting and request logging.
var operationalPaths = []string{"/healthz", "/readyz", "/metrics"}

// Server is the Flynn HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a Server with its middleware chain and routes mounted.
// authMW is optional; pass nil to serve the API without authentication.
func New(cfg Config, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, authMW Middleware) *Server {
	s := &Server{
		plugins: plugins,
		logger:  logger,
		mux:     http.NewServeMux(),
		ready:   ready,
	}
	s.registerRoutes()
	s.mountPluginRoutes()

	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, operationalPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.TrustProxy, operationalPaths),
	}
	if authMW != nil {
		middlewares = append(middlewares, authMW)
	} else {
		logger.Warn("API authentication disabled: auth.jwt_secret is not set")
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           Chain(PatternRecorder(s.mux), middlewares...),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
}

// mountPluginRoutes registers plugin routes under /api/v1/{plugin}.
func (s *Server) mountPluginRoutes() {
	for pluginName, routes := range s.plugins.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz is the readiness probe.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string                         `json:"status"` // ok, degraded or unhealthy
	Service string                         `json:"service"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins"`
}

// handleHealth reports the aggregate of plugin health. Any unhealthy plugin
// makes the response a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := s.plugins.HealthAll(r.Context())
	resp := HealthResponse{
		Status:  "ok",
		Service: "flynn",
		Version: version.Map(),
		Plugins: plugins,
	}
	for _, hs := range plugins {
		switch hs.Status {
		case "unhealthy":
			resp.Status = "unhealthy"
		case "degraded":
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handlePlugins lists registered plugins, including disabled ones.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.plugins.Statuses())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
