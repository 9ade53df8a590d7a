// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the capability-token-gated traffic relay:
// allocations with byte quotas and bandwidth limits, and bidirectional
// opaque forwarding between two attached connections. The relay never
// inspects, decrypts, or logs payload content; it accounts lengths and
// routing metadata only.
package relay

import (
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/waypost-net/waypost/lib/captoken"
	"github.com/waypost-net/waypost/lib/clock"
	"github.com/waypost-net/waypost/lib/ratelimit"
)

// Status is an allocation's lifecycle state. Transitions only move
// forward: Active is the sole non-terminal state.
type Status int32

const (
	StatusActive Status = iota
	StatusQuotaExceeded
	StatusExpired
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusQuotaExceeded:
		return "quota_exceeded"
	case StatusExpired:
		return "expired"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// statusError returns the stable error for a terminal status.
func statusError(s Status) error {
	switch s {
	case StatusQuotaExceeded:
		return ErrQuotaExceeded
	case StatusExpired:
		return ErrExpired
	default:
		return ErrTerminated
	}
}

// Sides of an allocation. The token presenter that created the
// allocation and its peer each attach one connection.
const (
	SideA = 0
	SideB = 1
)

// Allocation is one relay forwarding session, created from a
// capability token. The quota is a single byte budget shared by both
// directions; per-direction counters are kept so each direction's
// accounting is independently observable. No allocation shares mutable
// state with another.
type Allocation struct {
	id      string
	tokenID string
	subject []byte

	quotaBytes int64
	bytesUsed  atomic.Int64
	bytesSide  [2]atomic.Int64

	bandwidth *ratelimit.Bucket

	createdAt time.Time
	expiresAt time.Time

	// tokenExpiresAt is the token's own expiry, before the MaxTTL cap.
	// The table entry must outlive the token: while the token still
	// verifies, re-presenting it has to find this allocation instead of
	// minting a fresh quota under the same deterministic id.
	tokenExpiresAt time.Time

	status atomic.Int32

	// done closes on the first transition out of Active. Forwarder
	// goroutines select on it to tear down promptly.
	done     chan struct{}
	doneOnce sync.Once
}

// AllocationID derives the deterministic allocation identifier from
// raw token bytes. Re-presenting the same token always resolves to the
// same allocation.
func AllocationID(rawToken []byte) string {
	sum := blake3.Sum256(rawToken)
	return hex.EncodeToString(sum[:])
}

// ID returns the allocation identifier.
func (a *Allocation) ID() string { return a.id }

// Status returns the current lifecycle state.
func (a *Allocation) Status() Status { return Status(a.status.Load()) }

// Done returns a channel closed when the allocation leaves Active.
func (a *Allocation) Done() <-chan struct{} { return a.done }

// ExpiresAt returns the allocation's expiry time.
func (a *Allocation) ExpiresAt() time.Time { return a.expiresAt }

// QuotaBytes returns the total byte budget.
func (a *Allocation) QuotaBytes() int64 { return a.quotaBytes }

// BytesUsed returns the bytes charged so far across both directions.
func (a *Allocation) BytesUsed() int64 { return a.bytesUsed.Load() }

// BytesForwarded returns the bytes forwarded from the given side.
func (a *Allocation) BytesForwarded(side int) int64 { return a.bytesSide[side].Load() }

// transition moves the allocation to a terminal status. Only the first
// transition out of Active wins; later calls are no-ops.
func (a *Allocation) transition(to Status) bool {
	if !a.status.CompareAndSwap(int32(StatusActive), int32(to)) {
		return false
	}
	a.doneOnce.Do(func() { close(a.done) })
	return true
}

// Authorize charges size bytes flowing from side against the
// allocation's limits, in fixed order: status, bandwidth, quota. A
// bandwidth denial consumes nothing and carries a retry hint. A quota
// violation transitions the allocation to QuotaExceeded and rejects
// with zero bytes moved; the budget is never partially charged.
func (a *Allocation) Authorize(side int, size int, now time.Time) error {
	if status := a.Status(); status != StatusActive {
		return statusError(status)
	}

	if ok, retryAfter := a.bandwidth.Check(now, size); !ok {
		return &BandwidthExceededError{RetryAfter: retryAfter}
	}

	for {
		used := a.bytesUsed.Load()
		if used+int64(size) > a.quotaBytes {
			if a.transition(StatusQuotaExceeded) {
				metricAllocationsExhausted.Inc()
			}
			return ErrQuotaExceeded
		}
		if a.bytesUsed.CompareAndSwap(used, used+int64(size)) {
			a.bytesSide[side].Add(int64(size))
			return nil
		}
	}
}

// TableConfig holds the allocation defaults applied when a token
// leaves a limit unspecified.
type TableConfig struct {
	// DefaultQuotaBytes is the byte budget for tokens without one.
	DefaultQuotaBytes int64

	// DefaultBandwidthBPS is the sustained rate for tokens without one.
	DefaultBandwidthBPS int64

	// MaxTTL caps allocation lifetime regardless of token expiry.
	MaxTTL time.Duration
}

// Table owns every live allocation. CreateOrResume is the only way in;
// the deterministic id makes token re-presentation an idempotent
// resume instead of a second allocation.
type Table struct {
	clock     clock.Clock
	cfg       TableConfig
	keyring   *captoken.Keyring
	blacklist *captoken.Blacklist

	mu          sync.Mutex
	allocations map[string]*Allocation
}

// NewTable creates an empty allocation table.
func NewTable(clk clock.Clock, cfg TableConfig, keyring *captoken.Keyring, blacklist *captoken.Blacklist) *Table {
	return &Table{
		clock:       clk,
		cfg:         cfg,
		keyring:     keyring,
		blacklist:   blacklist,
		allocations: make(map[string]*Allocation),
	}
}

// CreateOrResume verifies raw token bytes and returns the allocation
// they authorize, creating it on first presentation. The second result
// reports whether the allocation was created by this call. A token
// whose allocation has already reached a terminal status gets that
// status's stable error; minting a fresh token is the only way to a
// fresh allocation.
func (t *Table) CreateOrResume(rawToken []byte) (*Allocation, bool, error) {
	now := t.clock.Now()

	token, err := t.keyring.VerifyAt(rawToken, captoken.AudienceRelay, now)
	if err != nil {
		if errors.Is(err, captoken.ErrExpired) {
			return nil, false, ErrExpired
		}
		return nil, false, ErrInvalidToken
	}
	if t.blacklist.IsRevoked(token.ID) {
		return nil, false, ErrInvalidToken
	}

	id := AllocationID(rawToken)

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.allocations[id]; ok {
		if status := existing.Status(); status != StatusActive {
			return nil, false, statusError(status)
		}
		return existing, false, nil
	}

	quota := token.QuotaBytes
	if quota <= 0 {
		quota = t.cfg.DefaultQuotaBytes
	}
	bandwidth := token.BandwidthBPS
	if bandwidth <= 0 {
		bandwidth = t.cfg.DefaultBandwidthBPS
	}
	tokenExpiresAt := time.Unix(token.ExpiresAt, 0)
	expiresAt := tokenExpiresAt
	if capped := now.Add(t.cfg.MaxTTL); capped.Before(expiresAt) {
		expiresAt = capped
	}

	allocation := &Allocation{
		id:         id,
		tokenID:    token.ID,
		subject:    token.Subject,
		quotaBytes: quota,
		// Burst equals one second of sustained rate.
		bandwidth:      ratelimit.NewBucket(float64(bandwidth), int(bandwidth)),
		createdAt:      now,
		expiresAt:      expiresAt,
		tokenExpiresAt: tokenExpiresAt,
		done:           make(chan struct{}),
	}
	t.allocations[id] = allocation
	return allocation, true, nil
}

// Get returns the allocation with the given id.
func (t *Table) Get(id string) (*Allocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	allocation, ok := t.allocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return allocation, nil
}

// Terminate force-terminates an allocation and revokes its token, so
// re-presenting the token cannot resurrect the session. Used by peer
// teardown and the admin API.
func (t *Table) Terminate(id string) error {
	allocation, err := t.Get(id)
	if err != nil {
		return err
	}
	if allocation.transition(StatusTerminated) {
		metricAllocationsTerminated.Inc()
	}
	// The blacklist entry must cover the full window in which the token
	// still verifies, including the forward skew tolerance.
	t.blacklist.Revoke(allocation.tokenID, allocation.tokenExpiresAt.Add(captoken.ExpirySkew))
	return nil
}

// ExpireStale sweeps Active allocations past their expiry into
// Expired. A terminal entry is dropped from the table only once the
// token behind it can no longer verify; until then the entry keeps
// answering re-presentation with the stable status error instead of
// letting a still-valid token mint a fresh quota under the same
// deterministic id.
func (t *Table) ExpireStale() int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for id, allocation := range t.allocations {
		if now.Before(allocation.expiresAt) {
			continue
		}
		if allocation.transition(StatusExpired) {
			expired++
		}
		if !now.Before(allocation.tokenExpiresAt.Add(captoken.ExpirySkew)) {
			delete(t.allocations, id)
		}
	}
	t.blacklist.Cleanup(now)
	return expired
}

// Len returns the number of allocations in the table, including
// terminal entries held until their token expires.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.allocations)
}

// ActiveLen returns the number of allocations still in Active.
func (t *Table) ActiveLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.allocations {
		if a.Status() == StatusActive {
			n++
		}
	}
	return n
}

// AllocationInfo is the admin view of one allocation.
type AllocationInfo struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	QuotaBytes int64     `json:"quota_bytes"`
	BytesUsed  int64     `json:"bytes_used"`
	BytesAToB  int64     `json:"bytes_a_to_b"`
	BytesBToA  int64     `json:"bytes_b_to_a"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Snapshot returns the admin view of every allocation.
func (t *Table) Snapshot() []AllocationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]AllocationInfo, 0, len(t.allocations))
	for _, a := range t.allocations {
		infos = append(infos, AllocationInfo{
			ID:         a.id,
			Subject:    hex.EncodeToString(a.subject),
			Status:     a.Status().String(),
			QuotaBytes: a.quotaBytes,
			BytesUsed:  a.bytesUsed.Load(),
			BytesAToB:  a.bytesSide[SideA].Load(),
			BytesBToA:  a.bytesSide[SideB].Load(),
			CreatedAt:  a.createdAt,
			ExpiresAt:  a.expiresAt,
		})
	}
	return infos
}
