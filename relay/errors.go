// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for allocation and forwarding failures. A terminated
// or exhausted allocation rejects further traffic with a stable error
// rather than silently dropping bytes.
var (
	// ErrInvalidToken rejects a token that fails signature, audience,
	// or revocation checks.
	ErrInvalidToken = errors.New("relay: invalid token")

	// ErrExpired rejects an expired token or an allocation past its
	// expiry.
	ErrExpired = errors.New("relay: allocation expired")

	// ErrQuotaExceeded rejects a forward that would push bytes_used
	// past the allocation's quota.
	ErrQuotaExceeded = errors.New("relay: quota exceeded")

	// ErrBandwidthExceeded is the errors.Is target for
	// BandwidthExceededError.
	ErrBandwidthExceeded = errors.New("relay: bandwidth limit exceeded")

	// ErrNotFound rejects an operation on an unknown allocation.
	ErrNotFound = errors.New("relay: allocation not found")

	// ErrTerminated rejects traffic on an allocation torn down by a
	// peer or an operator.
	ErrTerminated = errors.New("relay: allocation terminated")

	// ErrSideBusy rejects a second attach on an occupied side. The
	// existing connection is not disturbed.
	ErrSideBusy = errors.New("relay: side already attached")

	// ErrNoPeer rejects a forward while the opposite side is not
	// attached. Nothing is charged against the quota.
	ErrNoPeer = errors.New("relay: peer not attached")

	// ErrDraining rejects new attaches during graceful shutdown.
	ErrDraining = errors.New("relay: service is draining")
)

// BandwidthExceededError carries the retry hint for a bandwidth denial.
// Matches ErrBandwidthExceeded under errors.Is. The denial consumes
// neither bandwidth tokens nor quota.
type BandwidthExceededError struct {
	RetryAfter time.Duration
}

func (e *BandwidthExceededError) Error() string {
	return fmt.Sprintf("relay: bandwidth limit exceeded, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrBandwidthExceeded) match.
func (e *BandwidthExceededError) Is(target error) bool { return target == ErrBandwidthExceeded }

// ErrorKind maps an error to its stable machine-readable kind, carried
// in error frames and per-kind metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrBandwidthExceeded):
		return "bandwidth_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, ErrSideBusy):
		return "side_busy"
	case errors.Is(err, ErrNoPeer):
		return "no_peer"
	case errors.Is(err, ErrDraining):
		return "draining"
	default:
		return "internal"
	}
}
