// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit defines the event stream both waypost services emit
// for operators. Events carry routing metadata and byte counts only;
// never payload content. The services cannot see plaintext, and the
// audit trail must not become a side channel.
package audit

import (
	"log/slog"
	"time"
)

// Event kinds.
const (
	KindMessagePosted    = "message_posted"
	KindMessageDelivered = "message_delivered"
	KindMessageEvicted   = "message_evicted"
	KindMailboxEvicted   = "mailbox_evicted"
	KindAuthRejected     = "auth_rejected"
	KindRateLimited      = "rate_limited"

	KindAllocationCreated    = "allocation_created"
	KindAllocationResumed    = "allocation_resumed"
	KindAllocationExpired    = "allocation_expired"
	KindAllocationTerminated = "allocation_terminated"
	KindAllocationRevoked    = "allocation_revoked"
	KindQuotaExhausted       = "quota_exhausted"
	KindTokenRejected        = "token_rejected"
)

// Event is one audit record.
type Event struct {
	// Kind is one of the Kind* constants.
	Kind string

	// Time is when the event occurred.
	Time time.Time

	// Target identifies the affected resource: a recipient identifier
	// in hex, or an allocation id. Opaque to the audit layer.
	Target string

	// Source is the requesting party where known (client address).
	Source string

	// Bytes is the payload length involved, if any. Lengths are the
	// only thing the services know about content.
	Bytes int

	// Detail is an optional machine-readable qualifier, e.g. the
	// error kind behind a rejection.
	Detail string
}

// Log consumes audit events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Log interface {
	Record(event Event)
}

// NewSlogLog returns a Log that writes events through a structured
// logger, one Info record per event.
func NewSlogLog(logger *slog.Logger) Log {
	return &slogLog{logger: logger}
}

type slogLog struct {
	logger *slog.Logger
}

func (l *slogLog) Record(event Event) {
	attrs := []any{
		"kind", event.Kind,
		"target", event.Target,
	}
	if event.Source != "" {
		attrs = append(attrs, "source", event.Source)
	}
	if event.Bytes > 0 {
		attrs = append(attrs, "bytes", event.Bytes)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}
	l.logger.Info("audit", attrs...)
}

// Discard returns a Log that drops every event. Used by tests and by
// deployments that disable auditing.
func Discard() Log { return discardLog{} }

type discardLog struct{}

func (discardLog) Record(Event) {}
