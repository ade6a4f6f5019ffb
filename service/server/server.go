package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/metrics"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/reconcile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orchestrator is the engine surface the HTTP layer drives. *reconcile.Engine satisfies it.
type Orchestrator interface {
	Connect(ctx context.Context, trustedOnly bool) (*reconcile.View, error)
	Disconnect(ctx context.Context) error
	Refresh(ctx context.Context) (*reconcile.View, error)
	Snapshot() *reconcile.View
	StartPlan(ctx context.Context, planType plan.Type) error
	RetryRegistration(ctx context.Context) (*reconcile.FlowResult, error)
	ResolvePending(ctx context.Context) ([]reconcile.ResolvedPayment, error)
	Unresolved() []*db.Payment
}

// Server is the local HTTP daemon the UI talks to.
type Server struct {
	addr    string
	network string
	engine  Orchestrator
	stream  FlowStream
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server over engine.
// The stream is optional - if nil, the SSE endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr, network string, engine Orchestrator, stream FlowStream, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		network: network,
		engine:  engine,
		stream:  stream,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed handler. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/plans", "/api/v1/plans", handleListPlans())
	route("GET /api/v1/session", "/api/v1/session", handleGetSession(s.engine, s.network))
	route("POST /api/v1/session/connect", "/api/v1/session/connect", handleConnect(s.engine, s.network, s.logger))
	route("POST /api/v1/session/disconnect", "/api/v1/session/disconnect", handleDisconnect(s.engine, s.network, s.logger))
	route("POST /api/v1/session/refresh", "/api/v1/session/refresh", handleRefresh(s.engine, s.network, s.logger))
	route("POST /api/v1/subscriptions", "/api/v1/subscriptions", handleSelectPlan(s.engine, s.logger))
	route("POST /api/v1/subscriptions/retry-registration", "/api/v1/subscriptions/retry-registration", handleRetryRegistration(s.engine, s.logger))
	route("GET /api/v1/payments/unresolved", "/api/v1/payments/unresolved", handleListUnresolved(s.engine))
	route("POST /api/v1/payments/resolve", "/api/v1/payments/resolve", handleResolvePending(s.engine, s.logger))

	if s.stream != nil {
		route("GET /api/v1/stream", "/api/v1/stream", handleStreamFlows(s.stream, s.engine, s.metrics, s.logger))
		route("GET /api/v1/stream/{address}", "/api/v1/stream/{address}", handleStreamFlows(s.stream, s.engine, s.metrics, s.logger))
	} else {
		s.logger.Warn("flow stream not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the stream connection before draining requests.
	if closer, ok := s.stream.(io.Closer); ok {
		closer.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
