// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server wires the ceremony orchestrator, stores, and HTTP
// surface into a runnable service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-passkey/internal/config"
	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
	ceremonyhttp "github.com/jeremyhahn/go-passkey/pkg/ceremony/http"
	"github.com/jeremyhahn/go-passkey/pkg/correlation"
	"github.com/jeremyhahn/go-passkey/pkg/health"
	"github.com/jeremyhahn/go-passkey/pkg/logging"
	"github.com/jeremyhahn/go-passkey/pkg/metrics"
	"github.com/jeremyhahn/go-passkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-passkey/pkg/storage"
	"github.com/jeremyhahn/go-passkey/pkg/storage/file"
	"github.com/jeremyhahn/go-passkey/pkg/store"
	"github.com/jeremyhahn/go-passkey/pkg/verifier"
)

// Server runs the passkey relying party service.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	backend  storage.Backend
	orch     *ceremony.Orchestrator
	creds    *store.Credentials
	sessions *store.Sessions

	httpServer    *http.Server
	healthChecker *health.Checker
	limiter       *ratelimit.Limiter

	metricsCollector *metrics.ResourceCollector

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server from the given configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	creds, err := store.NewCredentials(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	sessions, err := store.NewSessions(backend, cfg.Ceremony.SessionTTL)
	if err != nil {
		backend.Close()
		return nil, err
	}

	adapter, err := verifier.New(&cfg.RelyingParty)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize relying party: %w", err)
	}

	var tokens ceremony.TokenGenerator
	if cfg.Auth.Enabled {
		generator, err := ceremony.NewJWTGenerator(&ceremony.JWTGeneratorConfig{
			Key:       []byte(cfg.Auth.Secret),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ExpiresIn: cfg.Auth.ExpiresIn,
		})
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to initialize token generator: %w", err)
		}
		tokens = generator
	}

	orch, err := ceremony.NewOrchestrator(ceremony.Params{
		Config:          &cfg.Ceremony,
		CredentialStore: creds,
		SessionStore:    sessions,
		Verifier:        adapter,
		TokenGenerator:  tokens,
		Logger:          logger.With("component", "ceremony"),
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	checker := health.NewChecker()
	checker.RegisterCheck("storage", health.BackendCheck("storage", backend))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:        cfg,
		logger:        logger,
		backend:       backend,
		orch:          orch,
		creds:         creds,
		sessions:      sessions,
		healthChecker: checker,
		limiter:       ratelimit.New(&cfg.RateLimit),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// newBackend constructs the storage backend named by the config.
func newBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "file":
		return file.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// Router builds the HTTP routing tree: ceremony endpoints under /api/v1,
// probes and metrics at the root.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(correlation.Middleware)
	if s.config.Metrics.Enabled {
		r.Use(metrics.HTTPMiddleware)
	}
	if s.limiter.IsEnabled() {
		r.Use(ratelimit.Middleware(s.limiter))
	}

	handler := ceremonyhttp.NewHandler(s.orch).
		WithLogger(s.logger.With("component", "http")).
		WithSecureCookies(s.config.Server.SecureCookies)
	if s.config.Server.CookieName != "" {
		handler = handler.WithCookieName(s.config.Server.CookieName)
	}

	r.Route("/api/v1", func(api chi.Router) {
		ceremonyhttp.MountChi(api, handler)
	})

	if s.config.Health.Enabled {
		r.Get("/healthz", s.handleLiveness)
		r.Get("/readyz", s.handleReadiness)
		r.Get("/startupz", s.handleStartup)
	}

	if s.config.Metrics.Enabled {
		r.Method(http.MethodGet, s.config.Metrics.Path, promhttp.Handler())
	}

	return r
}

// handleLiveness answers the liveness probe.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Live(r.Context())
	writeProbe(w, http.StatusOK, result)
}

// handleReadiness runs all readiness checks and answers 503 unless every
// one is healthy.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	results := s.healthChecker.Ready(r.Context())
	status := http.StatusOK
	if health.AggregateStatus(results) != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeProbe(w, status, map[string]any{
		"status": health.AggregateStatus(results),
		"checks": results,
	})
}

// handleStartup reports whether initialization has completed.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Startup(r.Context())
	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeProbe(w, status, result)
}

func writeProbe(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start binds the listener and begins serving in the background. Bind
// failures surface synchronously; later serve errors cancel the server
// context.
func (s *Server) Start() error {
	if s.config.Metrics.Enabled {
		metrics.Enable()
		s.metricsCollector = metrics.StartResourceCollector(s.ctx, 30*time.Second)
		metrics.SetBackendHealth(s.config.Storage.Backend, true)
	}

	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.Address(), err)
	}

	s.healthChecker.MarkStarted()

	s.logger.Info("Starting passkey server",
		"address", listener.Addr().String(),
		"rp_id", s.config.RelyingParty.RPID,
		"storage", s.config.Storage.Backend,
		"version", buildVersion())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.Any("error", err))
			s.cancel()
		}
	}()

	go s.maintenanceLoop()

	return nil
}

// maintenanceInterval paces the background sweep and gauge refresh.
const maintenanceInterval = time.Minute

// maintenanceLoop runs maintain until the server context ends.
func (s *Server) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.maintain(s.ctx)
		}
	}
}

// maintain reaps expired sessions and, when metrics are enabled, refreshes
// the user and session gauges. Errors are logged, never fatal.
func (s *Server) maintain(ctx context.Context) {
	removed, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.logger.Warn("Session sweep failed", slog.Any("error", err))
	} else if removed > 0 {
		s.logger.Debug("Swept expired sessions", "removed", removed)
	}

	if !s.config.Metrics.Enabled {
		return
	}

	if users, err := s.creds.Count(ctx); err != nil {
		s.logger.Warn("User count failed", slog.Any("error", err))
	} else {
		metrics.SetUsersTotal(s.config.Storage.Backend, float64(users))
	}

	if live, err := s.sessions.Count(ctx); err != nil {
		s.logger.Warn("Session count failed", slog.Any("error", err))
	} else {
		metrics.SetSessionsActive(float64(live))
	}
}

// Done is closed when the server context ends, either through Shutdown
// or a fatal serve error.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down passkey server...")

	s.healthChecker.MarkNotStarted()
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	if s.metricsCollector != nil {
		s.metricsCollector.Stop()
	}
	s.limiter.Stop()

	if closeErr := s.backend.Close(); closeErr != nil {
		s.logger.Error("Storage backend close error", slog.Any("error", closeErr))
		if err == nil {
			err = closeErr
		}
	}

	s.logger.Info("Shutdown complete")
	return err
}

// Orchestrator exposes the ceremony orchestrator, mainly for tests.
func (s *Server) Orchestrator() *ceremony.Orchestrator {
	return s.orch
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	return ctx
}

// buildVersion retrieves the version from build information.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) >= 7 {
				return setting.Value[:7]
			}
			return setting.Value
		}
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	return "dev"
}
