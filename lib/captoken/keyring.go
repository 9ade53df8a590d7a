// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package captoken

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Keyring holds the set of public keys a token signature may verify
// against. Supporting more than one key makes rotation a two-step
// deploy: add the new key, re-mint, then drop the old key. Replace
// swaps the whole set atomically; verifications already in flight keep
// using the snapshot they started with.
type Keyring struct {
	mu   sync.RWMutex
	keys []ed25519.PublicKey
}

// NewKeyring creates a Keyring with the given initial candidate keys.
func NewKeyring(keys ...ed25519.PublicKey) *Keyring {
	ring := &Keyring{}
	ring.keys = append(ring.keys, keys...)
	return ring
}

// Add appends a key to the candidate set.
func (k *Keyring) Add(key ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
}

// Replace swaps the candidate set. Safe to call while verifications
// are in flight.
func (k *Keyring) Replace(keys []ed25519.PublicKey) {
	snapshot := make([]ed25519.PublicKey, len(keys))
	copy(snapshot, keys)
	k.mu.Lock()
	k.keys = snapshot
	k.mu.Unlock()
}

// Len returns the number of candidate keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// snapshot returns the current candidate keys. The returned slice is
// never mutated after publication.
func (k *Keyring) snapshot() []ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys
}

// VerifyAt verifies raw token bytes against the current candidate set:
// signature first, then audience, then expiry with ExpirySkew forward
// tolerance and the MaxTokenAge backward bound. The explicit now makes
// expiry checks deterministic in tests.
func (k *Keyring) VerifyAt(raw []byte, audience string, now time.Time) (*Token, error) {
	return verifyAgainst(k.snapshot(), raw, audience, now)
}

// ParseHexKeys decodes a list of hex-encoded Ed25519 public keys, as
// they appear in the verify_keys configuration list.
func ParseHexKeys(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for _, entry := range encoded {
		raw, err := hex.DecodeString(entry)
		if err != nil {
			return nil, fmt.Errorf("captoken: invalid hex key %q: %w", entry, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("captoken: key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}
