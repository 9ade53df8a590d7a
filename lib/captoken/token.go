// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package captoken implements waypost's capability tokens: signed,
// time-bounded credentials that authorize specific resource limits.
// One verification primitive serves both services: mailbox bearer
// tokens and relay allocation tokens differ only in audience and in
// which resource fields are populated.
//
// Wire format: a CBOR-encoded payload followed by a 64-byte Ed25519
// signature over the payload bytes. Verification checks the signature
// against the raw payload before any decoding takes place; the payload
// is never interpreted until the signature is known good.
package captoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/waypost-net/waypost/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token audiences. A token minted for one service is rejected by the
// other.
const (
	// AudienceMailbox scopes a token to the signaling mailbox.
	AudienceMailbox = "mailbox"

	// AudienceRelay scopes a token to the traffic relay.
	AudienceRelay = "relay"
)

// Expiry tolerances applied by VerifyAt.
const (
	// ExpirySkew is the forward clock-skew tolerance: a token is
	// rejected only once the verifier's clock is past ExpiresAt by
	// more than this.
	ExpirySkew = 30 * time.Second

	// MaxTokenAge is the maximum accepted age measured from IssuedAt.
	// A token older than this is rejected even if its ExpiresAt is
	// still in the future, bounding the damage from a mis-minted
	// long-lived token.
	MaxTokenAge = 24 * time.Hour
)

// Token is the CBOR-encoded payload of a capability token.
type Token struct {
	// Audience is the service this token is scoped to: AudienceMailbox
	// or AudienceRelay.
	Audience string `cbor:"1,keyasint"`

	// Subject is the identity the capability is bound to, the 32-byte
	// public key of the device that will exercise it. The mailbox and
	// relay treat it as opaque; it appears in audit events so an
	// operator can attribute resource usage without learning anything
	// about payload content.
	Subject []byte `cbor:"2,keyasint"`

	// Recipient binds a mailbox token to a single recipient mailbox
	// (the 32-byte recipient identifier). Empty for server-wide
	// mailbox tokens and for relay tokens.
	Recipient []byte `cbor:"3,keyasint,omitempty"`

	// QuotaBytes is the total byte budget a relay allocation created
	// from this token may forward. Zero means the relay's configured
	// default applies.
	QuotaBytes int64 `cbor:"4,keyasint,omitempty"`

	// BandwidthBPS is the sustained forwarding rate limit in bytes per
	// second for a relay allocation. Zero means the relay default.
	BandwidthBPS int64 `cbor:"5,keyasint,omitempty"`

	// ID uniquely identifies this token for emergency revocation via
	// the Blacklist.
	ID string `cbor:"6,keyasint"`

	// IssuedAt is the Unix timestamp (seconds) of minting.
	IssuedAt int64 `cbor:"7,keyasint"`

	// ExpiresAt is the Unix timestamp (seconds) after which the token
	// is invalid regardless of signature.
	ExpiresAt int64 `cbor:"8,keyasint"`
}

// Errors returned by verification.
var (
	ErrTokenTooShort    = errors.New("captoken: token too short for signature")
	ErrBadSignature     = errors.New("captoken: signature does not verify")
	ErrExpired          = errors.New("captoken: token has expired")
	ErrAudienceMismatch = errors.New("captoken: audience does not match")
	ErrRevoked          = errors.New("captoken: token has been revoked")
)

// Mint signs token with the device's private key and returns the wire
// bytes: CBOR payload followed by the 64-byte signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("captoken: encoding payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	wire := make([]byte, len(payload)+signatureSize)
	copy(wire, payload)
	copy(wire[len(payload):], signature)
	return wire, nil
}

// verifyAgainst splits raw into payload and signature, verifies the
// signature against each candidate key, then decodes and checks expiry
// with the package tolerances. The candidate loop always visits every
// key so a match on the first key and a match on the last key take the
// same work.
func verifyAgainst(keys []ed25519.PublicKey, raw []byte, audience string, now time.Time) (*Token, error) {
	if len(raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	split := len(raw) - signatureSize
	payload := raw[:split]
	signature := raw[split:]

	verified := false
	for _, key := range keys {
		if ed25519.Verify(key, payload, signature) {
			verified = true
		}
	}
	if !verified {
		return nil, ErrBadSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("captoken: decoding payload: %w", err)
	}

	if token.Audience != audience {
		return nil, ErrAudienceMismatch
	}
	if now.Unix() >= token.ExpiresAt+int64(ExpirySkew/time.Second) {
		return nil, ErrExpired
	}
	if now.Unix()-token.IssuedAt > int64(MaxTokenAge/time.Second) {
		return nil, ErrExpired
	}

	return &token, nil
}

// TTL returns the token's remaining lifetime at now. Negative once
// expired.
func (t *Token) TTL(now time.Time) time.Duration {
	return time.Unix(t.ExpiresAt, 0).Sub(now)
}
