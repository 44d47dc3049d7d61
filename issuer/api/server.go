// Package api serves the organizer HTTP API.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the components the API server exposes.
type Deps struct {
	Catalog  Catalog
	Issuer   Issuer
	Registry Registry
	Owners   OwnerReader // Optional; nil disables ownership checks
	// ForceRegistrySync, when set, is triggered by POST /api/v1/registry/sync.
	ForceRegistrySync func()
	// RateLimit applies per client address to POST routes.
	RateLimit RateLimit
}

// Server provides HTTP endpoints
type Server struct {
	deps           Deps
	metricsEnabled bool
	logger         zerolog.Logger
	router         *mux.Router
	server         *http.Server
	limiter        *rateLimiter // nil when rate limiting is off
}

// NewServer creates a new Server instance
func NewServer(deps Deps, logger zerolog.Logger, port int, metricsEnabled bool) *Server {
	s := &Server{
		deps:           deps,
		metricsEnabled: metricsEnabled,
		logger:         logger.With().Str("component", "api").Logger(),
	}

	if deps.RateLimit.RequestsPerMinute > 0 {
		s.limiter = newRateLimiter(deps.RateLimit)
	}
	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("api server is nil")
	}

	startupChan := make(chan error, 1)

	go func() {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}

		startupChan <- nil

		err = s.server.Serve(ln)
		switch err {
		case nil:
			s.logger.Info().Msg("API server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("API server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		s.logger.Info().Str("addr", s.server.Addr).Msg("API server listening")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
