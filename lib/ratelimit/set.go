// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"github.com/waypost-net/waypost/lib/clock"
)

// Set maintains one lazily created Bucket per source (typically a
// client address). Allowlisted sources bypass the buckets entirely;
// blocklisted sources are denied before a bucket is ever consulted.
// Idle buckets are swept on the same cadence as mailbox eviction.
type Set struct {
	clock     clock.Clock
	perSecond float64
	capacity  int

	mu      sync.Mutex
	buckets map[string]*setEntry
	allow   map[string]struct{}
	block   map[string]struct{}
}

type setEntry struct {
	bucket   *Bucket
	lastSeen time.Time
}

// NewSet creates a Set whose per-source buckets refill at perMinute
// tokens per minute with capacity equal to perMinute (a full minute of
// burst).
func NewSet(clk clock.Clock, perMinute int) *Set {
	return &Set{
		clock:     clk,
		perSecond: float64(perMinute) / 60.0,
		capacity:  perMinute,
		buckets:   make(map[string]*setEntry),
		allow:     make(map[string]struct{}),
		block:     make(map[string]struct{}),
	}
}

// Check charges one token against source's bucket. Allowlist and
// blocklist are consulted first and bypass the bucket.
func (s *Set) Check(source string) (bool, time.Duration) {
	now := s.clock.Now()

	s.mu.Lock()
	if _, allowed := s.allow[source]; allowed {
		s.mu.Unlock()
		return true, 0
	}
	if _, blocked := s.block[source]; blocked {
		s.mu.Unlock()
		return false, Forever
	}

	entry, exists := s.buckets[source]
	if !exists {
		entry = &setEntry{bucket: NewBucket(s.perSecond, s.capacity)}
		s.buckets[source] = entry
	}
	entry.lastSeen = now
	s.mu.Unlock()

	// Bucket is internally synchronized; no need to hold the set lock
	// across the check.
	return entry.bucket.Check(now, 1)
}

// Allowlist exempts a source from rate limiting.
func (s *Set) Allowlist(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allow[source] = struct{}{}
	delete(s.block, source)
}

// Blocklist denies a source unconditionally.
func (s *Set) Blocklist(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block[source] = struct{}{}
	delete(s.allow, source)
}

// Sweep removes buckets idle for longer than idleTTL. Returns the
// number removed.
func (s *Set) Sweep(idleTTL time.Duration) int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for source, entry := range s.buckets {
		if now.Sub(entry.lastSeen) > idleTTL {
			delete(s.buckets, source)
			removed++
		}
	}
	return removed
}

// Len returns the number of live per-source buckets.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
