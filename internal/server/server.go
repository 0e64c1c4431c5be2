// Package server wires Keyhaven's HTTP surface: account endpoints,
// credential lifecycle, usage stats, alerts, and the key-authenticated
// probe route.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyhaven/keyhaven/internal/handler"
	"github.com/keyhaven/keyhaven/internal/server/middleware"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/store"
	"github.com/keyhaven/keyhaven/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// LoginRateLimit caps login/register attempts per IP per minute.
	LoginRateLimit int
	// KeyRateLimit caps key-authenticated requests per secret per minute.
	KeyRateLimit int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  10,
		KeyRateLimit:    300,
	}
}

// Server is the top-level HTTP server for Keyhaven. It owns the Chi router,
// the store, and the services behind the credential lifecycle.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	keys       *service.KeyService
	authSvc    *service.AuthService
	recorder   *telemetry.Recorder
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, keys *service.KeyService, authSvc *service.AuthService, rec *telemetry.Recorder, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		keys:     keys,
		authSvc:  authSvc,
		recorder: rec,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	authHandler := handler.NewAuthHandler(s.store, s.authSvc)
	keysHandler := handler.NewKeysHandler(s.keys)
	usageHandler := handler.NewUsageHandler(s.recorder)
	alertsHandler := handler.NewAlertsHandler(s.store)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Account endpoints. Register and login are unauthenticated and
		// rate limited per IP against credential stuffing.
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(s.cfg.LoginRateLimit))
				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.authSvc))
				r.Use(middleware.RequireSession())
				r.Get("/me", authHandler.Me)
			})
		})

		// Credential management, dashboard sessions only.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc))
			r.Use(middleware.RequireSession())

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", keysHandler.List)
				r.Post("/", keysHandler.Create)
				r.Get("/{keyID}", keysHandler.Get)
				r.Patch("/{keyID}", keysHandler.Update)
				r.Delete("/{keyID}", keysHandler.Delete)
				r.Post("/{keyID}/rotate", keysHandler.Rotate)
				r.Post("/{keyID}/toggle", keysHandler.Toggle)
				r.Get("/{keyID}/usage", usageHandler.Events)
			})

			r.Get("/usage/stats", usageHandler.Stats)

			r.Get("/alerts", alertsHandler.List)
			r.Post("/alerts/{alertID}/resolve", alertsHandler.Resolve)
		})

		// Key-authenticated probe. Every validated call lands a usage event
		// with real status and latency.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByHeader("X-API-Key", s.cfg.KeyRateLimit))
			r.Use(middleware.Authenticate(s.authSvc))
			r.Use(middleware.RecordUsage(s.recorder))
			r.Get("/ping", s.handlePing)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store is
// reachable, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","checks":{"store":"error"}}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","checks":{"store":"ok"}}`))
}

// handlePing confirms a credential works. The interesting part happens in
// the middleware chain: validation and the usage event.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","key_id":%d}`, principal.KeyID)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
