// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the store and service. Every rejection a
// client can see maps to exactly one of these, so callers can choose
// retry, backoff, or failure without parsing message text.
var (
	// ErrMessageTooLarge rejects a payload over the configured
	// maximum. Validation error: the message was never queued.
	ErrMessageTooLarge = errors.New("mailbox: message exceeds maximum size")

	// ErrQueueFull rejects a post to a mailbox already holding the
	// maximum queue length. Capacity error: retry later, the queue is
	// unchanged.
	ErrQueueFull = errors.New("mailbox: recipient queue is full")

	// ErrNoMessage is the long-poll timeout result: no message
	// arrived within the wait window.
	ErrNoMessage = errors.New("mailbox: no message available")

	// ErrDraining rejects requests during graceful shutdown.
	ErrDraining = errors.New("mailbox: service is draining")

	// ErrUnauthorized covers every authorization failure. A missing
	// credential, an invalid one, and a credential for somebody
	// else's mailbox stay indistinguishable so the response shape
	// cannot act as an existence oracle.
	ErrUnauthorized = errors.New("mailbox: not authorized")

	// ErrInvalidRecipient rejects a recipient identifier that is not
	// 32 bytes of hex.
	ErrInvalidRecipient = errors.New("mailbox: invalid recipient identifier")

	// ErrInvalidWait rejects a wait_ms parameter that is not a
	// non-negative integer.
	ErrInvalidWait = errors.New("mailbox: invalid wait_ms")

	// ErrRateLimited is the target for errors.Is on RateLimitedError.
	ErrRateLimited = errors.New("mailbox: rate limited")
)

// RateLimitedError carries the retry hint for a rate-limited request.
// Matches ErrRateLimited under errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("mailbox: rate limited, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ErrorKind maps an error to its stable machine-readable kind, used in
// response bodies and per-kind metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrNoMessage):
		return "no_message"
	case errors.Is(err, ErrDraining):
		return "draining"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrInvalidWait):
		return "invalid_wait"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
