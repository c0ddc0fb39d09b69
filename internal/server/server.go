// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package server exposes the gateway's read-only query surface over
// HTTP: health reports, aggregate metrics, circuit states, and resource
// status. Generation traffic does not pass through here; this server
// exists for operators and the status CLI.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/orchestrator"
	"github.com/weft-dev/weft/internal/resilience"
	"github.com/weft-dev/weft/internal/resource"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the gateway components the query surface reads from.
type Deps struct {
	Monitor   *health.Monitor
	Orch      *orchestrator.Orchestrator
	Resources *resource.Manager
	Breakers  *resilience.BreakerManager
}

// Server wraps a chi router over the gateway's read-only state.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Server with routes registered.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, wefterr.New(wefterr.CodeServerStartFailure, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	srv := &Server{
		router: r,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	srv.registerRoutes()

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return wefterr.Wrapf(err, wefterr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}

	s.logger.Info("status server listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return wefterr.Wrap(err, wefterr.CodeServerShutdownFailure, "shutting down status server")
	}

	return <-errCh
}
