// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package captoken

import (
	"sync"
	"time"
)

// Blacklist is a thread-safe in-memory set of revoked token IDs. The
// admin API adds entries when an operator force-revokes an allocation
// or mailbox credential; verification paths consult it after the
// signature check. Entries expire with the token's natural TTL, after
// which expiry checking rejects the token on its own.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token ID -> token's natural expiry
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{entries: make(map[string]time.Time)}
}

// Revoke adds a token ID. tokenExpiresAt is the token's natural expiry;
// the entry is dropped by Cleanup after that time.
func (b *Blacklist) Revoke(tokenID string, tokenExpiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tokenID] = tokenExpiresAt
}

// IsRevoked reports whether a token ID has been revoked.
func (b *Blacklist) IsRevoked(tokenID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, revoked := b.entries[tokenID]
	return revoked
}

// Cleanup removes entries whose token has naturally expired. Runs on
// the services' periodic sweep. Returns the number removed.
func (b *Blacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for tokenID, expiresAt := range b.entries {
		if !now.Before(expiresAt) {
			delete(b.entries, tokenID)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
