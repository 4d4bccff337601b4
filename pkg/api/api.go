package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicelab/callcheck/pkg/config"
	"github.com/voicelab/callcheck/pkg/gateway"
	"github.com/voicelab/callcheck/pkg/run"
	"github.com/voicelab/callcheck/pkg/store"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 15 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	gateway    gateway.Client
	runner     *run.Controller
	events     *hub
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		events: newHub(),
		done:   make(chan struct{}),
	}
}

// Start initializes the store and gateway and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if s.cfg.Auth.Enabled {
		if err := s.store.SeedUsers(ctx, s.cfg.Auth.Users); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}

	s.gateway = gateway.NewClient(
		s.log, &s.cfg.Gateway, s.cfg.GatewayTimeout(),
	)

	s.runner = run.NewController(
		s.log, s.store, s.gateway, s.cfg.Gateway.NumberID,
	)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Auth.Enabled {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			ticker := time.NewTicker(sessionCleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if err := s.store.DeleteExpiredSessions(ctx); err != nil {
						s.log.WithError(err).
							Warn("Failed to clean expired sessions")
					}
				case <-s.done:
					return
				}
			}
		}()
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	// Closing the hub ends any open event streams so Shutdown can drain.
	s.events.close()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
