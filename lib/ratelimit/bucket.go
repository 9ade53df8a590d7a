// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the token-bucket primitive shared by both
// waypost services: the mailbox uses per-source request buckets, the
// relay uses per-allocation bandwidth buckets. Consumption from one
// bucket over any window of length T is bounded by capacity +
// rate × T.
package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Forever is the retry-after value for a denial that no amount of
// waiting will cure (cost larger than capacity, or a blocklisted
// source).
const Forever time.Duration = math.MaxInt64

// Bucket is a token bucket. Tokens refill continuously at the
// configured rate up to capacity; Check consumes cost tokens when
// available and otherwise reports how long until they accumulate.
//
// Bucket is a thin wrapper over rate.Limiter that takes time
// explicitly, so every caller runs off the injected clock and tests
// are deterministic.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket refilling at perSecond tokens per second
// with the given capacity (burst).
func NewBucket(perSecond float64, capacity int) *Bucket {
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), capacity)}
}

// Check attempts to consume cost tokens at time now. On success it
// returns (true, 0). On denial it returns (false, retryAfter) where
// retryAfter is the wait until cost tokens will be available. A
// denied call consumes nothing.
func (b *Bucket) Check(now time.Time, cost int) (bool, time.Duration) {
	reservation := b.limiter.ReserveN(now, cost)
	if !reservation.OK() {
		// cost exceeds capacity: can never succeed.
		return false, Forever
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Capacity returns the bucket's capacity in tokens.
func (b *Bucket) Capacity() int { return b.limiter.Burst() }

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 { return float64(b.limiter.Limit()) }
