// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/waypost-net/waypost/audit"
	"github.com/waypost-net/waypost/lib/captoken"
	"github.com/waypost-net/waypost/lib/clock"
	"github.com/waypost-net/waypost/lib/config"
	"github.com/waypost-net/waypost/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(t *testing.T, clk clock.Clock, mutate func(*config.MailboxConfig)) *Service {
	t.Helper()
	cfg := config.Default().Mailbox
	if mutate != nil {
		mutate(&cfg)
	}
	auth, err := NewAuthenticator(cfg.AuthMode, captoken.NewKeyring(), captoken.NewBlacklist())
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return NewService(clk, cfg, auth, audit.Discard(), testLogger())
}

func TestServicePostGetRoundTrip(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, nil)
	recipient := testRecipient(1)

	seq, err := service.Post(recipient, []byte("hello"), "", "198.51.100.1")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence = %d, want 1", seq)
	}

	message, remaining, err := service.Get(context.Background(), recipient, 0, "", "198.51.100.2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(message.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", message.Payload, "hello")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestServiceRateLimitsPerSource(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, func(cfg *config.MailboxConfig) {
		cfg.PostsPerMinute = 2
	})
	recipient := testRecipient(2)

	for i := 0; i < 2; i++ {
		if _, err := service.Post(recipient, []byte("m"), "", "198.51.100.1"); err != nil {
			t.Fatalf("Post %d: %v", i, err)
		}
	}

	_, err := service.Post(recipient, []byte("m"), "", "198.51.100.1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third post = %v, want ErrRateLimited", err)
	}
	var rateErr *RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatal("rate limit error lacks retry hint")
	}
	if rateErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", rateErr.RetryAfter)
	}

	// A different source has its own bucket.
	if _, err := service.Post(recipient, []byte("m"), "", "198.51.100.9"); err != nil {
		t.Errorf("post from second source = %v, want nil", err)
	}

	// Get has an independent limiter.
	if _, _, err := service.Get(context.Background(), recipient, 0, "", "198.51.100.1"); err != nil {
		t.Errorf("get from rate-limited post source = %v, want nil", err)
	}
}

func TestServiceAuthRejectionPrecedesStore(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, func(cfg *config.MailboxConfig) {
		cfg.AuthMode = config.AuthServer
	})
	// The test keyring holds no keys, so no credential can verify.
	recipient := testRecipient(3)

	_, err := service.Post(recipient, []byte("m"), "Bearer bogus", "198.51.100.1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Post = %v, want ErrUnauthorized", err)
	}

	// The rejected post allocated nothing.
	if service.Store().ActiveMailboxes() != 0 {
		t.Errorf("active mailboxes = %d, want 0 after rejected post", service.Store().ActiveMailboxes())
	}
}

func TestServiceClampsWaitToMax(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, func(cfg *config.MailboxConfig) {
		cfg.MaxWait = config.Duration(60 * time.Second)
	})
	recipient := testRecipient(4)

	got := make(chan error, 1)
	go func() {
		_, _, err := service.Get(context.Background(), recipient, time.Hour, "", "198.51.100.1")
		got <- err
	}()
	clk.WaitForTimers(1)

	// Advancing past the maximum must release the waiter even though
	// the request asked for an hour.
	clk.Advance(61 * time.Second)
	err := testutil.RequireReceive(t, got, 5*time.Second, "over-long wait not clamped")
	if !errors.Is(err, ErrNoMessage) {
		t.Errorf("clamped wait = %v, want ErrNoMessage", err)
	}
}

func TestServiceUsesDefaultWaitWhenUnspecified(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, func(cfg *config.MailboxConfig) {
		cfg.DefaultWait = config.Duration(30 * time.Second)
	})
	recipient := testRecipient(5)

	got := make(chan error, 1)
	go func() {
		_, _, err := service.Get(context.Background(), recipient, -1, "", "198.51.100.1")
		got <- err
	}()
	clk.WaitForTimers(1)

	clk.Advance(30 * time.Second)
	err := testutil.RequireReceive(t, got, 5*time.Second, "default wait never elapsed")
	if !errors.Is(err, ErrNoMessage) {
		t.Errorf("default wait = %v, want ErrNoMessage", err)
	}
}

func TestServiceSweepEvictsAndReports(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, func(cfg *config.MailboxConfig) {
		cfg.MessageTTL = config.Duration(time.Minute)
		cfg.IdleMailboxTTL = config.Duration(5 * time.Minute)
	})
	recipient := testRecipient(6)

	if _, err := service.Post(recipient, []byte("doomed"), "", "198.51.100.1"); err != nil {
		t.Fatalf("Post: %v", err)
	}

	clk.Advance(6 * time.Minute)
	service.sweep()

	if service.Store().ActiveMailboxes() != 0 {
		t.Errorf("active mailboxes after sweep = %d, want 0", service.Store().ActiveMailboxes())
	}
	messages, mailboxes := service.Store().EvictionCounters()
	if messages != 1 || mailboxes != 1 {
		t.Errorf("eviction counters = (%d, %d), want (1, 1)", messages, mailboxes)
	}
}

func TestServiceCloseDrains(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	service := testService(t, clk, nil)
	recipient := testRecipient(7)

	got := make(chan error, 1)
	go func() {
		_, _, err := service.Get(context.Background(), recipient, time.Minute, "", "198.51.100.1")
		got <- err
	}()
	clk.WaitForTimers(1)

	service.Close()

	err := testutil.RequireReceive(t, got, 5*time.Second, "waiter not drained")
	if !errors.Is(err, ErrDraining) {
		t.Errorf("drained get = %v, want ErrDraining", err)
	}
	if _, err := service.Post(recipient, []byte("late"), "", "198.51.100.1"); !errors.Is(err, ErrDraining) {
		t.Errorf("post after Close = %v, want ErrDraining", err)
	}
}
