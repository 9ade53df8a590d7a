// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox implements the store-and-forward signaling mailbox:
// per-recipient FIFO queues of opaque encrypted envelopes, long-poll
// delivery with strictly ordered waiters, TTL eviction, per-source
// rate limiting, and the HTTP surface. The service never interprets
// message content; payloads are size-bounded byte blobs.
package mailbox

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waypost-net/waypost/lib/clock"
)

// RecipientIDSize is the fixed size of a recipient identifier.
const RecipientIDSize = 32

// RecipientID identifies one mailbox. Opaque to the service; in
// practice a hash of the recipient device's public key.
type RecipientID [RecipientIDSize]byte

// ParseRecipientID decodes a 64-character hex recipient identifier.
func ParseRecipientID(s string) (RecipientID, error) {
	var id RecipientID
	if len(s) != RecipientIDSize*2 {
		return id, ErrInvalidRecipient
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidRecipient
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the hex form of the identifier.
func (id RecipientID) String() string { return hex.EncodeToString(id[:]) }

// Message is one queued envelope. Payloads are never mutated after
// enqueue and are delivered at most once.
type Message struct {
	// Payload is the opaque envelope bytes.
	Payload []byte

	// Sequence is the mailbox-local sequence number, strictly
	// increasing per mailbox lifetime, starting at 1.
	Sequence uint64

	// ReceivedAt is when the message was enqueued, for TTL expiry.
	ReceivedAt time.Time
}

// StoreConfig holds the store-level limits.
type StoreConfig struct {
	// MaxMessageSize is the largest accepted payload in bytes.
	MaxMessageSize int

	// MaxQueueLength is the per-mailbox queue bound.
	MaxQueueLength int

	// MessageTTL is how long an undelivered message survives.
	MessageTTL time.Duration

	// IdleTTL is how long an empty, waiterless mailbox survives.
	IdleTTL time.Duration
}

// storeShardCount is the number of independently locked shards the
// mailbox map is split across. Mailbox identifiers are hashes, so the
// low byte distributes uniformly.
const storeShardCount = 16

// Store is the in-memory mailbox store. Each mailbox carries its own
// lock; the shard locks guard only the recipient→mailbox maps, so
// traffic for unrelated recipients never contends.
//
// The store is strictly volatile: eviction or process restart destroys
// state, and sequence numbers are unique only within one mailbox
// lifetime.
type Store struct {
	clock clock.Clock
	cfg   StoreConfig

	shards [storeShardCount]storeShard

	draining atomic.Bool

	// Eviction totals across sweep and dequeue-time drops, read by
	// the metrics sweeper.
	messagesEvicted  atomic.Int64
	mailboxesEvicted atomic.Int64
}

type storeShard struct {
	mu    sync.Mutex
	boxes map[RecipientID]*box
}

// box is one recipient's queue and waiter registry.
type box struct {
	mu sync.Mutex

	// evicted marks a box removed from its shard map. A caller that
	// looked the box up before eviction re-fetches instead of
	// mutating an orphan.
	evicted bool

	queue        []Message
	waiters      []*waiter
	nextSeq      uint64
	lastActivity time.Time
}

// waiter is one blocked long-poll. A waiter is resumed exactly once:
// delivery, timeout, cancellation, and shutdown all race for the
// claimed flag, and whoever wins sends the single result.
type waiter struct {
	claimed atomic.Bool
	result  chan waitResult // buffered, capacity 1
}

type waitResult struct {
	message Message
	err     error
}

func newWaiter() *waiter {
	return &waiter{result: make(chan waitResult, 1)}
}

// complete resolves the waiter if it is still unclaimed. Returns
// whether this caller won.
func (w *waiter) complete(message Message, err error) bool {
	if !w.claimed.CompareAndSwap(false, true) {
		return false
	}
	w.result <- waitResult{message: message, err: err}
	return true
}

// NewStore creates an empty store.
func NewStore(clk clock.Clock, cfg StoreConfig) *Store {
	s := &Store{clock: clk, cfg: cfg}
	for i := range s.shards {
		s.shards[i].boxes = make(map[RecipientID]*box)
	}
	return s
}

func (s *Store) shardFor(recipient RecipientID) *storeShard {
	return &s.shards[recipient[0]%storeShardCount]
}

// getOrCreate returns the live box for recipient, creating it lazily.
func (s *Store) getOrCreate(recipient RecipientID) *box {
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	b, ok := shard.boxes[recipient]
	if !ok {
		b = &box{lastActivity: s.clock.Now()}
		shard.boxes[recipient] = b
	}
	return b
}

// lookup returns the box for recipient, or nil.
func (s *Store) lookup(recipient RecipientID) *box {
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.boxes[recipient]
}

// Enqueue appends payload to the recipient's queue, or hands it
// directly to the oldest registered waiter. The direct handoff closes
// the race where a message could expire between an already-blocked
// reader registering and the message arriving. Returns the assigned
// sequence number.
func (s *Store) Enqueue(recipient RecipientID, payload []byte) (uint64, error) {
	if s.draining.Load() {
		return 0, ErrDraining
	}
	if len(payload) > s.cfg.MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	now := s.clock.Now()
	for {
		b := s.getOrCreate(recipient)
		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		if s.draining.Load() {
			b.mu.Unlock()
			return 0, ErrDraining
		}

		// Oldest-registered waiter first. Claimed waiters (timed out
		// or cancelled, not yet deregistered) are skipped.
		for len(b.waiters) > 0 {
			w := b.waiters[0]
			b.waiters = b.waiters[1:]
			seq := b.nextSeq + 1
			message := Message{Payload: payload, Sequence: seq, ReceivedAt: now}
			if w.complete(message, nil) {
				b.nextSeq = seq
				b.lastActivity = now
				b.mu.Unlock()
				return seq, nil
			}
		}

		if len(b.queue) >= s.cfg.MaxQueueLength {
			b.mu.Unlock()
			return 0, ErrQueueFull
		}

		b.nextSeq++
		message := Message{Payload: payload, Sequence: b.nextSeq, ReceivedAt: now}
		b.queue = append(b.queue, message)
		b.lastActivity = now
		seq := b.nextSeq
		b.mu.Unlock()
		return seq, nil
	}
}

// DequeueOrWait returns the oldest live message for recipient,
// consuming it. With no message available it registers as a waiter and
// blocks until a post arrives, wait elapses, ctx is cancelled, or the
// store drains, whichever happens first. If delivery and deadline
// race, delivery wins.
//
// The second result is the remaining queue length after consumption,
// for client backpressure.
func (s *Store) DequeueOrWait(ctx context.Context, recipient RecipientID, wait time.Duration) (Message, int, error) {
	for {
		b := s.getOrCreate(recipient)
		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}

		now := s.clock.Now()
		s.dropExpiredLocked(b, now)

		if len(b.queue) > 0 {
			message := b.queue[0]
			b.queue[0] = Message{} // release the payload reference
			b.queue = b.queue[1:]
			b.lastActivity = now
			remaining := len(b.queue)
			b.mu.Unlock()
			return message, remaining, nil
		}

		if s.draining.Load() {
			b.mu.Unlock()
			return Message{}, 0, ErrDraining
		}
		if wait <= 0 {
			b.lastActivity = now
			b.mu.Unlock()
			return Message{}, 0, ErrNoMessage
		}

		w := newWaiter()
		b.waiters = append(b.waiters, w)
		b.lastActivity = now
		b.mu.Unlock()

		select {
		case res := <-w.result:
			return res.message, 0, res.err
		case <-s.clock.After(wait):
			if w.claimed.CompareAndSwap(false, true) {
				s.removeWaiter(recipient, w)
				return Message{}, 0, ErrNoMessage
			}
			// Lost the race: a delivery (or shutdown) resolved the
			// waiter at the deadline. Real data wins over timeout.
			res := <-w.result
			return res.message, 0, res.err
		case <-ctx.Done():
			if w.claimed.CompareAndSwap(false, true) {
				s.removeWaiter(recipient, w)
				return Message{}, 0, ctx.Err()
			}
			res := <-w.result
			return res.message, 0, res.err
		}
	}
}

// removeWaiter deregisters a claimed waiter after timeout or
// cancellation. No-op if a concurrent Enqueue already popped it.
func (s *Store) removeWaiter(recipient RecipientID, target *waiter) {
	b := s.lookup(recipient)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// dropExpiredLocked removes expired messages from the head of the
// queue. Caller holds b.mu. The queue is in arrival order, so expiry
// is always a prefix.
func (s *Store) dropExpiredLocked(b *box, now time.Time) {
	dropped := 0
	for len(b.queue) > 0 && now.Sub(b.queue[0].ReceivedAt) > s.cfg.MessageTTL {
		b.queue[0] = Message{}
		b.queue = b.queue[1:]
		dropped++
	}
	if dropped > 0 {
		s.messagesEvicted.Add(int64(dropped))
	}
}

// EvictExpired removes expired messages everywhere and evicts
// mailboxes that are empty, waiterless, and idle past the idle TTL.
// Runs on the dedicated sweep task; it only removes state it can prove
// inactive while holding the owning locks.
func (s *Store) EvictExpired() (messages, mailboxes int) {
	now := s.clock.Now()
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for recipient, b := range shard.boxes {
			b.mu.Lock()
			droppedBefore := s.messagesEvicted.Load()
			s.dropExpiredLocked(b, now)
			messages += int(s.messagesEvicted.Load() - droppedBefore)

			idle := len(b.queue) == 0 && s.activeWaitersLocked(b) == 0 &&
				now.Sub(b.lastActivity) > s.cfg.IdleTTL
			if idle {
				b.evicted = true
				delete(shard.boxes, recipient)
				mailboxes++
			}
			b.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	s.mailboxesEvicted.Add(int64(mailboxes))
	return messages, mailboxes
}

// activeWaitersLocked counts unclaimed waiters. Caller holds b.mu.
func (s *Store) activeWaitersLocked(b *box) int {
	n := 0
	for _, w := range b.waiters {
		if !w.claimed.Load() {
			n++
		}
	}
	return n
}

// ActiveWaiters counts blocked long-polls across every mailbox. Read
// by the health endpoint's overload check.
func (s *Store) ActiveWaiters() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for _, b := range shard.boxes {
			b.mu.Lock()
			n += s.activeWaitersLocked(b)
			b.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return n
}

// EvictMailbox force-removes one mailbox, waking its waiters with a
// draining result. Used by the admin API. Reports whether the mailbox
// existed.
func (s *Store) EvictMailbox(recipient RecipientID) bool {
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	b, ok := shard.boxes[recipient]
	if ok {
		delete(shard.boxes, recipient)
	}
	shard.mu.Unlock()
	if !ok {
		return false
	}

	b.mu.Lock()
	b.evicted = true
	waiters := b.waiters
	b.waiters = nil
	dropped := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	for _, w := range waiters {
		w.complete(Message{}, ErrDraining)
	}
	if dropped > 0 {
		s.messagesEvicted.Add(int64(dropped))
	}
	s.mailboxesEvicted.Add(1)
	return true
}

// Close puts the store into draining mode: new posts are rejected and
// every blocked waiter across every mailbox is woken immediately with
// ErrDraining instead of waiting out its deadline.
func (s *Store) Close() {
	s.draining.Store(true)
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for _, b := range shard.boxes {
			b.mu.Lock()
			waiters := b.waiters
			b.waiters = nil
			b.mu.Unlock()
			for _, w := range waiters {
				w.complete(Message{}, ErrDraining)
			}
		}
		shard.mu.Unlock()
	}
}

// Draining reports whether Close has been called.
func (s *Store) Draining() bool { return s.draining.Load() }

// QueueLength returns the current queue length for recipient, zero if
// the mailbox does not exist.
func (s *Store) QueueLength(recipient RecipientID) int {
	b := s.lookup(recipient)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ActiveMailboxes returns the number of live mailboxes.
func (s *Store) ActiveMailboxes() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		n += len(shard.boxes)
		shard.mu.Unlock()
	}
	return n
}

// EvictionCounters returns the running totals of evicted messages and
// mailboxes, including dequeue-time TTL drops.
func (s *Store) EvictionCounters() (messages, mailboxes int64) {
	return s.messagesEvicted.Load(), s.mailboxesEvicted.Load()
}

// MailboxInfo is the admin view of one mailbox.
type MailboxInfo struct {
	// Recipient is the hex recipient identifier.
	Recipient string `json:"recipient"`

	// QueueLength is the number of queued messages.
	QueueLength int `json:"queue_length"`

	// Waiters is the number of blocked long-polls.
	Waiters int `json:"waiters"`

	// LastActivity is the time of the last post or get.
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot returns the admin view of every live mailbox.
func (s *Store) Snapshot() []MailboxInfo {
	var infos []MailboxInfo
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for recipient, b := range shard.boxes {
			b.mu.Lock()
			infos = append(infos, MailboxInfo{
				Recipient:    recipient.String(),
				QueueLength:  len(b.queue),
				Waiters:      s.activeWaitersLocked(b),
				LastActivity: b.lastActivity,
			})
			b.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return infos
}
