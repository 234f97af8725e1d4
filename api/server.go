// Package api exposes the enrollment endpoint and the event endpoints producers
// and workers use around it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	BindAddress  string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the HTTP API
type Server struct {
	config   ServerConfig
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	doneCh   chan struct{}
}

// NewServer creates a server for handler
func NewServer(config ServerConfig, handler http.Handler) *Server {
	return &Server{
		config:  config,
		handler: handler,
		doneCh:  make(chan struct{}),
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP server")

	go func() {
		defer close(s.doneCh)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Addr returns the bound address, useful when Port is 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Info().Msg("Stopping HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	<-s.doneCh
	return nil
}
