// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package captoken

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

var tokenTestNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return public, private
}

func relayTestToken(now time.Time) *Token {
	return &Token{
		Audience:     AudienceRelay,
		Subject:      bytes.Repeat([]byte{0xA1}, 32),
		QuotaBytes:   1 << 20,
		BandwidthBPS: 128 * 1024,
		ID:           "tok-1",
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(5 * time.Minute).Unix(),
	}
}

func TestMintAndVerify(t *testing.T) {
	public, private := testKeypair(t)
	ring := NewKeyring(public)

	token := relayTestToken(tokenTestNow)
	raw, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(raw) <= signatureSize {
		t.Fatalf("wire token too short: %d bytes", len(raw))
	}

	verified, err := ring.VerifyAt(raw, AudienceRelay, tokenTestNow)
	if err != nil {
		t.Fatalf("VerifyAt: %v", err)
	}
	if verified.ID != "tok-1" {
		t.Errorf("ID = %q, want tok-1", verified.ID)
	}
	if verified.QuotaBytes != 1<<20 {
		t.Errorf("QuotaBytes = %d, want %d", verified.QuotaBytes, 1<<20)
	}
	if verified.BandwidthBPS != 128*1024 {
		t.Errorf("BandwidthBPS = %d, want %d", verified.BandwidthBPS, 128*1024)
	}
	if !bytes.Equal(verified.Subject, token.Subject) {
		t.Error("Subject did not round-trip")
	}
}

func TestVerifyCorruption(t *testing.T) {
	public, private := testKeypair(t)
	ring := NewKeyring(public)

	raw, err := Mint(private, relayTestToken(tokenTestNow))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Any single corrupted byte, payload or signature, must reject.
	for _, position := range []int{0, len(raw) / 2, len(raw) - 1} {
		corrupted := bytes.Clone(raw)
		corrupted[position] ^= 0x01
		if _, err := ring.VerifyAt(corrupted, AudienceRelay, tokenTestNow); !errors.Is(err, ErrBadSignature) {
			t.Errorf("corrupt byte %d: got %v, want ErrBadSignature", position, err)
		}
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, private := testKeypair(t)
	otherPublic, _ := testKeypair(t)
	ring := NewKeyring(otherPublic)

	raw, err := Mint(private, relayTestToken(tokenTestNow))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := ring.VerifyAt(raw, AudienceRelay, tokenTestNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key: got %v, want ErrBadSignature", err)
	}
}

func TestVerifyAudience(t *testing.T) {
	public, private := testKeypair(t)
	ring := NewKeyring(public)

	raw, err := Mint(private, relayTestToken(tokenTestNow))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := ring.VerifyAt(raw, AudienceMailbox, tokenTestNow); !errors.Is(err, ErrAudienceMismatch) {
		t.Errorf("relay token against mailbox audience: got %v, want ErrAudienceMismatch", err)
	}
}

func TestVerifyExpirySkew(t *testing.T) {
	public, private := testKeypair(t)
	ring := NewKeyring(public)

	token := relayTestToken(tokenTestNow)
	raw, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	expiresAt := time.Unix(token.ExpiresAt, 0)

	// Just past expiry but within the skew window: still accepted.
	if _, err := ring.VerifyAt(raw, AudienceRelay, expiresAt.Add(ExpirySkew-time.Second)); err != nil {
		t.Errorf("within skew window: %v", err)
	}

	// Past expiry plus skew: rejected.
	if _, err := ring.VerifyAt(raw, AudienceRelay, expiresAt.Add(ExpirySkew)); !errors.Is(err, ErrExpired) {
		t.Errorf("past skew window: got %v, want ErrExpired", err)
	}
}

func TestVerifyMaxTokenAge(t *testing.T) {
	public, private := testKeypair(t)
	ring := NewKeyring(public)

	// IssuedAt far in the past, ExpiresAt far in the future: the
	// backward age bound still rejects it.
	token := relayTestToken(tokenTestNow)
	token.IssuedAt = tokenTestNow.Add(-MaxTokenAge - time.Hour).Unix()
	token.ExpiresAt = tokenTestNow.Add(time.Hour).Unix()
	raw, err := Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := ring.VerifyAt(raw, AudienceRelay, tokenTestNow); !errors.Is(err, ErrExpired) {
		t.Errorf("over-aged token: got %v, want ErrExpired", err)
	}
}

func TestVerifyTooShort(t *testing.T) {
	public, _ := testKeypair(t)
	ring := NewKeyring(public)

	if _, err := ring.VerifyAt(make([]byte, signatureSize), AudienceRelay, tokenTestNow); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("signature-only bytes: got %v, want ErrTokenTooShort", err)
	}
	if _, err := ring.VerifyAt(nil, AudienceRelay, tokenTestNow); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("nil bytes: got %v, want ErrTokenTooShort", err)
	}
}

func TestKeyringRotation(t *testing.T) {
	oldPublic, oldPrivate := testKeypair(t)
	newPublic, newPrivate := testKeypair(t)
	ring := NewKeyring(oldPublic)

	oldRaw, err := Mint(oldPrivate, relayTestToken(tokenTestNow))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	newRaw, err := Mint(newPrivate, relayTestToken(tokenTestNow))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Phase 1: only the old key. New-key tokens rejected.
	if _, err := ring.VerifyAt(newRaw, AudienceRelay, tokenTestNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("new-key token before rotation: got %v, want ErrBadSignature", err)
	}

	// Phase 2: both keys live. Both token generations verify.
	ring.Add(newPublic)
	if _, err := ring.VerifyAt(oldRaw, AudienceRelay, tokenTestNow); err != nil {
		t.Errorf("old-key token during rotation: %v", err)
	}
	if _, err := ring.VerifyAt(newRaw, AudienceRelay, tokenTestNow); err != nil {
		t.Errorf("new-key token during rotation: %v", err)
	}

	// Phase 3: old key dropped.
	ring.Replace([]ed25519.PublicKey{newPublic})
	if _, err := ring.VerifyAt(oldRaw, AudienceRelay, tokenTestNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("old-key token after rotation: got %v, want ErrBadSignature", err)
	}
	if _, err := ring.VerifyAt(newRaw, AudienceRelay, tokenTestNow); err != nil {
		t.Errorf("new-key token after rotation: %v", err)
	}
}

func TestParseHexKeys(t *testing.T) {
	public, _ := testKeypair(t)

	keys, err := ParseHexKeys([]string{hex.EncodeToString(public)})
	if err != nil {
		t.Fatalf("ParseHexKeys: %v", err)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0], public) {
		t.Error("parsed key does not match input")
	}

	if _, err := ParseHexKeys([]string{"zz"}); err == nil {
		t.Error("invalid hex accepted")
	}
	if _, err := ParseHexKeys([]string{"abcd"}); err == nil {
		t.Error("short key accepted")
	}
}
