// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/waypost-net/waypost/audit"
	"github.com/waypost-net/waypost/lib/clock"
	"github.com/waypost-net/waypost/lib/config"
	"github.com/waypost-net/waypost/lib/ratelimit"
)

// Service implements the request-level post/get semantics on top of the
// store: authentication, per-source rate limiting, wait clamping, and
// the audit trail. Auth and rate limits are checked before the store is
// touched, so an abusive source never allocates mailbox state.
type Service struct {
	store *Store
	auth  Authenticator
	clock clock.Clock
	audit audit.Log
	log   *slog.Logger

	postLimiter *ratelimit.Set
	getLimiter  *ratelimit.Set

	defaultWait    time.Duration
	maxWait        time.Duration
	sweepInterval  time.Duration
	limiterTTL     time.Duration
	maxActiveWaits int

	// Eviction totals already exported as metric increments; the
	// sweeper adds only the delta each pass.
	reportedMessageEvictions int64
	reportedMailboxEvictions int64
}

// NewService wires a Service from the mailbox configuration.
func NewService(clk clock.Clock, cfg config.MailboxConfig, auth Authenticator, auditLog audit.Log, logger *slog.Logger) *Service {
	store := NewStore(clk, StoreConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		MaxQueueLength: cfg.MaxQueueLength,
		MessageTTL:     cfg.MessageTTL.Std(),
		IdleTTL:        cfg.IdleMailboxTTL.Std(),
	})

	return &Service{
		store:          store,
		auth:           auth,
		clock:          clk,
		audit:          auditLog,
		log:            logger,
		postLimiter:    ratelimit.NewSet(clk, cfg.PostsPerMinute),
		getLimiter:     ratelimit.NewSet(clk, cfg.GetsPerMinute),
		defaultWait:    cfg.DefaultWait.Std(),
		maxWait:        cfg.MaxWait.Std(),
		sweepInterval:  cfg.SweepInterval.Std(),
		limiterTTL:     cfg.IdleMailboxTTL.Std(),
		maxActiveWaits: cfg.MaxActiveWaits,
	}
}

// Store exposes the underlying store for the admin API and shutdown.
func (s *Service) Store() *Store { return s.store }

// MaxMessageSize returns the configured payload limit in bytes.
func (s *Service) MaxMessageSize() int { return s.store.cfg.MaxMessageSize }

// Overloaded reports whether the count of blocked long-polls has
// reached the configured ceiling. The health endpoint reports it as
// a 503 so load balancers steer traffic elsewhere.
func (s *Service) Overloaded() bool {
	return s.maxActiveWaits > 0 && s.store.ActiveWaiters() >= s.maxActiveWaits
}

// Post authenticates, rate-limits, and enqueues one message for
// recipient. Returns the assigned sequence number.
func (s *Service) Post(recipient RecipientID, payload []byte, credential, source string) (uint64, error) {
	start := s.clock.Now()
	defer func() {
		metricRequestDuration.WithLabelValues("post").Observe(s.clock.Now().Sub(start).Seconds())
	}()

	if err := s.auth.Authorize(recipient, credential, s.clock.Now()); err != nil {
		s.reject("post", recipient, source, err)
		return 0, err
	}
	if ok, retryAfter := s.postLimiter.Check(source); !ok {
		err := &RateLimitedError{RetryAfter: retryAfter}
		s.reject("post", recipient, source, err)
		return 0, err
	}

	seq, err := s.store.Enqueue(recipient, payload)
	if err != nil {
		s.reject("post", recipient, source, err)
		return 0, err
	}

	metricMessagesPosted.Inc()
	s.audit.Record(audit.Event{
		Kind:   audit.KindMessagePosted,
		Time:   s.clock.Now(),
		Target: recipient.String(),
		Source: source,
		Bytes:  len(payload),
	})
	return seq, nil
}

// Get authenticates, rate-limits, and retrieves the oldest message for
// recipient, long-polling for up to the clamped wait. A negative wait
// selects the configured default; anything above the maximum is clamped
// down to it.
func (s *Service) Get(ctx context.Context, recipient RecipientID, wait time.Duration, credential, source string) (Message, int, error) {
	start := s.clock.Now()
	defer func() {
		metricRequestDuration.WithLabelValues("get").Observe(s.clock.Now().Sub(start).Seconds())
	}()

	if err := s.auth.Authorize(recipient, credential, s.clock.Now()); err != nil {
		s.reject("get", recipient, source, err)
		return Message{}, 0, err
	}
	if ok, retryAfter := s.getLimiter.Check(source); !ok {
		err := &RateLimitedError{RetryAfter: retryAfter}
		s.reject("get", recipient, source, err)
		return Message{}, 0, err
	}

	if wait < 0 {
		wait = s.defaultWait
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}

	message, remaining, err := s.store.DequeueOrWait(ctx, recipient, wait)
	if err != nil {
		// A long-poll timing out empty is the normal idle case, not a
		// rejection worth auditing.
		if !errors.Is(err, ErrNoMessage) {
			s.reject("get", recipient, source, err)
		} else {
			metricRejections.WithLabelValues("get", ErrorKind(err)).Inc()
		}
		return Message{}, 0, err
	}

	metricMessagesDelivered.Inc()
	s.audit.Record(audit.Event{
		Kind:   audit.KindMessageDelivered,
		Time:   s.clock.Now(),
		Target: recipient.String(),
		Source: source,
		Bytes:  len(message.Payload),
	})
	return message, remaining, nil
}

// reject records a failed request in metrics and the audit trail.
func (s *Service) reject(op string, recipient RecipientID, source string, err error) {
	kind := ErrorKind(err)
	metricRejections.WithLabelValues(op, kind).Inc()

	auditKind := audit.KindAuthRejected
	switch {
	case errors.Is(err, ErrRateLimited):
		auditKind = audit.KindRateLimited
	case !errors.Is(err, ErrUnauthorized):
		// Store-level rejections (size, capacity, draining) are visible
		// in metrics; auditing them would let a flood of oversized
		// posts drown the trail.
		return
	}

	s.audit.Record(audit.Event{
		Kind:   auditKind,
		Time:   s.clock.Now(),
		Target: recipient.String(),
		Source: source,
		Detail: kind,
	})
}

// RunSweeper drives the periodic eviction pass until ctx is cancelled:
// message TTL expiry, idle mailbox eviction, idle rate-limiter bucket
// cleanup, and gauge refresh.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one eviction pass.
func (s *Service) sweep() {
	messages, mailboxes := s.store.EvictExpired()
	s.postLimiter.Sweep(s.limiterTTL)
	s.getLimiter.Sweep(s.limiterTTL)

	// The store also drops expired messages inline during dequeue, so
	// the counters export the store totals, not just sweep finds.
	totalMessages, totalMailboxes := s.store.EvictionCounters()
	if delta := totalMessages - s.reportedMessageEvictions; delta > 0 {
		metricMessagesEvicted.Add(float64(delta))
		s.reportedMessageEvictions = totalMessages
	}
	if delta := totalMailboxes - s.reportedMailboxEvictions; delta > 0 {
		metricMailboxesEvicted.Add(float64(delta))
		s.reportedMailboxEvictions = totalMailboxes
	}
	metricActiveMailboxes.Set(float64(s.store.ActiveMailboxes()))

	if messages > 0 || mailboxes > 0 {
		s.log.Info("eviction sweep",
			"expired_messages", messages,
			"evicted_mailboxes", mailboxes,
		)
	}
}

// Close drains the store: new posts are rejected and blocked waiters
// wake immediately.
func (s *Service) Close() { s.store.Close() }
