// Package server is the thin HTTP surface adapter named in spec.md's
// Out-of-scope list (§6): task submission, status, cancellation, a
// completion event stream, and the Prometheus scrape endpoint. It owns
// no orchestration state of its own — every handler delegates straight
// to a workflow.Engine, or for the agent routes to an
// agentregistry.Registry.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/auth"
	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/ratelimit"
	"github.com/agentmesh/orchestrator/pkg/workflow"
)

// Config configures the HTTP surface.
type Config struct {
	Addr           string
	Auth           auth.MiddlewareConfig
	RateLimiter    ratelimit.Limiter
	Metrics        *observability.Metrics
	EventRetention time.Duration
}

// Server is the orchestrator's external HTTP surface.
type Server struct {
	logger   *slog.Logger
	engine   *workflow.Engine
	registry *agentregistry.Registry
	events   *EventStore

	httpServer *http.Server
}

// New builds a Server wired to engine and registry. It registers an
// EventStore on engine as its EventSink, so callers must not also call
// engine.SetEventSink themselves.
func New(logger *slog.Logger, engine *workflow.Engine, registry *agentregistry.Registry, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		logger:   logger,
		engine:   engine,
		registry: registry,
		events:   NewEventStore(cfg.EventRetention),
	}
	engine.SetEventSink(s.events)

	router := s.buildRouter(cfg)
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	return s
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	authCfg := cfg.Auth
	authCfg.ExcludedPaths = append(append([]string{}, authCfg.ExcludedPaths...), "/healthz", "/metrics")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware(cfg.Metrics))
	r.Use(auth.Middleware(authCfg))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", cfg.Metrics.Handler())

	submit := http.HandlerFunc(s.handleSubmitTask)
	r.Method(http.MethodPost, "/v1/tasks", ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: cfg.RateLimiter,
	})(submit))

	r.Get("/v1/tasks/{taskID}", s.handleGetStatus)
	r.Post("/v1/tasks/{taskID}/cancel", s.handleCancelTask)
	r.Get("/v1/tasks/{taskID}/events", s.handleTaskEvents)
	r.Get("/v1/tasks/{taskID}/recovery", s.handleRecoveryStats)

	r.Get("/v1/agents", s.handleListAgents)
	r.Post("/v1/agents", s.handleRegisterAgent)
	r.Delete("/v1/agents/{agentID}", s.handleDeregisterAgent)
	r.Post("/v1/agents/{agentID}/heartbeat", s.handleAgentHeartbeat)

	return r
}

// loggingMiddleware logs every inbound request, grounded on the
// teacher's loggingMiddleware in pkg/transport/rest_gateway.go.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("server: request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records HTTP request counts and latencies via
// Prometheus, grounded on the teacher's http_metrics_middleware.go
// chi-route-pattern extraction (no regex matching needed).
func (s *Server) metricsMiddleware(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			pattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			m.RecordHTTPRequest(r.Method, pattern, wrapped.status, time.Since(start))
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start begins serving HTTP in a background goroutine. Bind errors
// surface asynchronously via the returned error channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
