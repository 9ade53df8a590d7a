// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the shared server lifecycle for waypost
// binaries: an HTTP server with readiness signaling and graceful
// drain. The mailbox service and the relay's admin surface both run on
// it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer serves HTTP on a TCP listener. Serve(ctx) blocks until
// the context is cancelled, then stops accepting connections and waits
// up to the shutdown timeout for active requests to drain.
type HTTPServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	shutdownTimeout time.Duration
	writeTimeout    time.Duration

	// ready is closed once the listener is bound and accepting.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	// Resolves the actual port when the configured address uses :0.
	addr net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Address is the TCP listen address (e.g. ":8440"). Required.
	Address string

	// Handler routes incoming requests. Required.
	Handler http.Handler

	// ShutdownTimeout bounds graceful drain. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// WriteTimeout bounds writing a response. Defaults to 90 seconds.
	// A server fronting long-polls must set it above the longest
	// permitted wait, or held responses die mid-wait.
	WriteTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer creates a server for the configured address. Call
// Serve to start accepting connections.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 90 * time.Second
	}

	return &HTTPServer{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		writeTimeout:    writeTimeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the server is accepting
// connections.
func (s *HTTPServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Valid only after Ready()
// has closed.
func (s *HTTPServer) Addr() net.Addr { return s.addr }

// Serve accepts HTTP connections until ctx is cancelled, then drains.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}
