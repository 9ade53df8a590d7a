// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/waypost-net/waypost/lib/testutil"
)

func TestHTTPServerServesAndStops(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         handler,
		ShutdownTimeout: time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server never became ready")

	resp, err := http.Get("http://" + server.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "pong" {
		t.Errorf("body = %q, want pong", body)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "server never stopped"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestHTTPServerWriteTimeoutConfigurable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	defaulted := NewHTTPServer(HTTPServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		Logger:  logger,
	})
	if defaulted.writeTimeout != 90*time.Second {
		t.Errorf("default write timeout = %v, want 90s", defaulted.writeTimeout)
	}

	// A deployment with a long maximum wait raises the timeout so
	// long-polls are not cut off mid-wait.
	raised := NewHTTPServer(HTTPServerConfig{
		Address:      "127.0.0.1:0",
		Handler:      http.NotFoundHandler(),
		WriteTimeout: 5 * time.Minute,
		Logger:       logger,
	})
	if raised.writeTimeout != 5*time.Minute {
		t.Errorf("write timeout = %v, want 5m", raised.writeTimeout)
	}
}

func TestHTTPServerListenFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	first := NewHTTPServer(HTTPServerConfig{
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Serve(ctx) }()
	testutil.RequireClosed(t, first.Ready(), 5*time.Second, "server never became ready")

	// A second server on the same resolved port must fail fast.
	second := NewHTTPServer(HTTPServerConfig{
		Address: first.Addr().String(),
		Handler: http.NotFoundHandler(),
		Logger:  logger,
	})
	if err := second.Serve(context.Background()); err == nil {
		t.Error("second Serve on an occupied port succeeded")
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "first server never stopped")
}
