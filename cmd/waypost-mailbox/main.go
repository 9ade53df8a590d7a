// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Waypost-mailbox is the store-and-forward signaling service: senders
// post opaque encrypted envelopes to per-recipient mailboxes and
// recipients collect them over long-polling HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/waypost-net/waypost/audit"
	"github.com/waypost-net/waypost/lib/captoken"
	"github.com/waypost-net/waypost/lib/clock"
	"github.com/waypost-net/waypost/lib/config"
	"github.com/waypost-net/waypost/lib/service"
	"github.com/waypost-net/waypost/lib/version"
	"github.com/waypost-net/waypost/mailbox"
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
		fmt.Printf("waypost-mailbox %s\n", version.Full())
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
	keyring := captoken.NewKeyring(verifyKeys...)
	blacklist := captoken.NewBlacklist()

	authenticator, err := mailbox.NewAuthenticator(cfg.Mailbox.AuthMode, keyring, blacklist)
	if err != nil {
		return err
	}

	clk := clock.Real()
	mailboxService := mailbox.NewService(clk, cfg.Mailbox, authenticator, audit.NewSlogLog(logger), logger)

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen.Mailbox,
		Handler: mailbox.NewHandler(mailbox.HandlerConfig{
			Service:    mailboxService,
			AdminToken: cfg.Mailbox.AdminToken,
			Logger:     logger,
		}),
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		// Long-polls hold the response open for up to the configured
		// maximum wait; the write timeout must outlast it.
		WriteTimeout: cfg.Mailbox.MaxWait.Std() + 30*time.Second,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mailboxService.RunSweeper(ctx)

	// On shutdown, drain the store first so blocked long-polls release
	// immediately instead of holding the HTTP drain open.
	go func() {
		<-ctx.Done()
		mailboxService.Close()
	}()

	logger.Info("starting waypost-mailbox",
		"version", version.Info(),
		"listen", cfg.Listen.Mailbox,
		"auth_mode", cfg.Mailbox.AuthMode,
	)
	return httpServer.Serve(ctx)
}
