package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/heptiolabs/healthcheck"

	"github.com/enactai/enact/internal/handler"
	"github.com/enactai/enact/internal/server/middleware"
	"github.com/enactai/enact/internal/service"
	"github.com/enactai/enact/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	IPRateLimit     int // requests per minute per address; 0 disables

	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP before any check sees it.
	TrustProxyHeaders bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8082,
		ShutdownTimeout: 15 * time.Second,
		CORSOrigins:     []string{"*"},
		IPRateLimit:     120,
	}
}

// Deps are the services the HTTP surface exposes. Sweeper, MCP and
// Metrics are optional.
type Deps struct {
	Authorizer *service.Authorizer
	Lifecycle  *service.Lifecycle
	Recorder   *service.Recorder
	Sweeper    *service.Sweeper
	MCP        http.Handler
	Metrics    *telemetry.Metrics

	// ReadyChecks run on /readyz. Each gets a short deadline.
	ReadyChecks map[string]func(ctx context.Context) error
}

// Server is the top-level HTTP server. It owns the Chi router and serves
// the admin API, the MCP endpoint and the operational probes.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	health     healthcheck.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupHealth()
	s.setupRouter()
	return s
}

func (s *Server) setupHealth() {
	s.health = healthcheck.NewHandler()
	for name, check := range s.deps.ReadyChecks {
		s.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return check(ctx)
		}, 3*time.Second))
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	if s.cfg.IPRateLimit > 0 {
		r.Use(middleware.RateLimit(s.cfg.IPRateLimit))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After", "Mcp-Session-Id"},
		MaxAge:         300,
	}))

	// --- Probes and metrics (no auth required) ---
	r.Get("/healthz", s.health.LiveEndpoint)
	r.Get("/readyz", s.health.ReadyEndpoint)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// --- MCP (each tool call carries and checks its own token) ---
	if s.deps.MCP != nil {
		r.Handle("/mcp", s.deps.MCP)
	}

	// --- Admin API ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(middleware.Authenticate(s.deps.Authorizer, service.AdminTool, s.logger))
		r.Use(middleware.RequireAdmin())

		authz := handler.NewAuthzHandler(s.deps.Authorizer, s.deps.Lifecycle)
		r.Post("/authorize", authz.Authorize)
		r.Post("/outcome", authz.Outcome)

		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(
				s.deps.Lifecycle, s.deps.Recorder, s.deps.Sweeper, s.deps.Authorizer.Policy(), s.logger)

			r.Get("/token", sysHandler.ListTokens)
			r.Post("/token", sysHandler.CreateToken)
			r.Get("/token/{tokenId}", sysHandler.GetToken)
			r.Patch("/token/{tokenId}", sysHandler.UpdateToken)
			r.Delete("/token/{tokenId}", sysHandler.RevokeToken)
			r.Post("/token/{tokenId}/rotate", sysHandler.RotateToken)
			r.Get("/token/{tokenId}/usage", sysHandler.TokenUsage)
			r.Get("/token/{tokenId}/usage/recent", sysHandler.RecentUsage)

			r.Get("/usage", sysHandler.UsageSummary)
			r.Get("/alerts", sysHandler.Alerts)
			r.Post("/sweep", sysHandler.Sweep)
			r.Get("/tool", sysHandler.ListTools)
		})
	})

	s.router = r
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// It then performs a graceful shutdown, draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
