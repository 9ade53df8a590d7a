// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/waypost-net/waypost/lib/clock"
)

func TestSetPerSourceIsolation(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewSet(clk, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := s.Check("10.0.0.1"); !ok {
			t.Fatalf("request %d from first source denied", i+1)
		}
	}
	if ok, _ := s.Check("10.0.0.1"); ok {
		t.Fatal("first source not limited after exhausting its bucket")
	}

	// A different source has its own bucket.
	if ok, _ := s.Check("10.0.0.2"); !ok {
		t.Error("second source denied by first source's bucket")
	}
}

func TestSetRetryHint(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewSet(clk, 60) // 1 token/s refill

	for i := 0; i < 60; i++ {
		s.Check("src")
	}
	ok, retryAfter := s.Check("src")
	if ok {
		t.Fatal("61st request in the same instant allowed")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("retryAfter = %v, want in (0, 1s]", retryAfter)
	}

	// Advancing the clock refills the bucket.
	clk.Advance(2 * time.Second)
	if ok, _ := s.Check("src"); !ok {
		t.Error("request denied after refill")
	}
}

func TestSetAllowlistBypassesBucket(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewSet(clk, 1)
	s.Allowlist("trusted")

	for i := 0; i < 100; i++ {
		if ok, _ := s.Check("trusted"); !ok {
			t.Fatalf("allowlisted request %d denied", i+1)
		}
	}
	if s.Len() != 0 {
		t.Errorf("allowlisted source created a bucket: Len = %d", s.Len())
	}
}

func TestSetBlocklist(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewSet(clk, 100)
	s.Blocklist("banned")

	ok, retryAfter := s.Check("banned")
	if ok {
		t.Fatal("blocklisted source allowed")
	}
	if retryAfter != Forever {
		t.Errorf("retryAfter = %v, want Forever", retryAfter)
	}
}

func TestSetSweep(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewSet(clk, 10)

	s.Check("old")
	clk.Advance(10 * time.Minute)
	s.Check("fresh")

	removed := s.Sweep(5 * time.Minute)
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", s.Len())
	}
}
