// Package server assembles the HTTP API of the sync service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/middleware"
)

// HealthPath is served without authentication.
const HealthPath = "/api/v1/health"

// Config wires a Server.
type Config struct {
	Logger            *slog.Logger
	Engine            *engine.SessionManager
	Addr              string
	Version           string
	JWT               handlers.JWTConfig
	ReadHeaderTimeout time.Duration
	RateLimit         int
	RateLimitWindow   time.Duration
}

// Server is the sync HTTP server.
type Server struct {
	logger  *slog.Logger
	http    *http.Server
	limiter *middleware.RateLimiter
}

// New builds the router and middleware chain.
func New(cfg Config) *Server {
	s := &Server{logger: cfg.Logger}

	syncHandler := handlers.NewSyncHandler(cfg.Logger, cfg.Engine)
	healthHandler := handlers.NewHealthHandler(cfg.Logger, cfg.Engine, cfg.Version)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /sync/batch", syncHandler.BatchPull)
	protected.HandleFunc("POST /sync/batch-upload", syncHandler.BatchUpload)
	protected.HandleFunc("GET /sync/conflicts", syncHandler.Conflicts)
	protected.HandleFunc("POST /sync/{role}", syncHandler.StreamSync)
	protected.HandleFunc("GET /sync/{entityType}", syncHandler.DeltaPull)
	protected.HandleFunc("PUT /sync/{entityType}/{id}", syncHandler.UpdateEntity)

	var syncChain http.Handler = protected
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, cfg.Logger)
		syncChain = s.limiter.Middleware(syncChain)
	}
	syncChain = middleware.AuthMiddleware(cfg.Logger, cfg.JWT)(syncChain)

	root := http.NewServeMux()
	root.HandleFunc("GET "+HealthPath, healthHandler.Health)
	root.Handle("/sync/", syncChain)

	var h http.Handler = root
	h = middleware.LoggingWithSkip(cfg.Logger, []string{HealthPath})(h)
	h = middleware.RecoveryMiddleware(cfg.Logger)(h)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens and serves until Shutdown is called. It returns nil after a
// graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight syncs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
