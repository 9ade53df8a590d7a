// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Waypost-relay is the traffic relay: peers that cannot connect
// directly present capability tokens, receive a quota- and
// bandwidth-limited allocation, and have their encrypted traffic
// forwarded verbatim between two attached connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/waypost-net/waypost/audit"
	"github.com/waypost-net/waypost/lib/captoken"
	"github.com/waypost-net/waypost/lib/clock"
	"github.com/waypost-net/waypost/lib/config"
	"github.com/waypost-net/waypost/lib/service"
	"github.com/waypost-net/waypost/lib/version"
	"github.com/waypost-net/waypost/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to config file (defaults apply when omitted)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("waypost-relay %s\n", version.Full())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	verifyKeys, err := captoken.ParseHexKeys(cfg.Keys.VerifyKeys)
	if err != nil {
		return err
	}
	if len(verifyKeys) == 0 {
		return fmt.Errorf("keys.verify_keys is required: the relay only admits signed tokens")
	}

	clk := clock.Real()
	table := relay.NewTable(clk, relay.TableConfig{
		DefaultQuotaBytes:   cfg.Relay.DefaultQuotaBytes,
		DefaultBandwidthBPS: cfg.Relay.DefaultBandwidthBPS,
		MaxTTL:              cfg.Relay.MaxAllocationTTL.Std(),
	}, captoken.NewKeyring(verifyKeys...), captoken.NewBlacklist())

	relayServer := relay.NewServer(relay.ServerConfig{
		Address:       cfg.Listen.Relay,
		Table:         table,
		Clock:         clk,
		SweepInterval: cfg.Relay.SweepInterval.Std(),
		Audit:         audit.NewSlogLog(logger),
		Logger:        logger,
	})

	adminServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen.RelayAdmin,
		Handler: relay.NewAdminHandler(relay.AdminConfig{
			Server:     relayServer,
			AdminToken: cfg.Relay.AdminToken,
			Logger:     logger,
		}),
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting waypost-relay",
		"version", version.Info(),
		"listen", cfg.Listen.Relay,
		"admin", cfg.Listen.RelayAdmin,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return relayServer.Serve(ctx) })
	group.Go(func() error { return adminServer.Serve(ctx) })
	return group.Wait()
}
