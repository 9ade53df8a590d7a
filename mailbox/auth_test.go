// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/waypost-net/waypost/lib/captoken"
)

func mintBearer(t *testing.T, priv ed25519.PrivateKey, token *captoken.Token) string {
	t.Helper()
	raw, err := captoken.Mint(priv, token)
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return "Bearer " + base64.RawURLEncoding.EncodeToString(raw)
}

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return pub, priv
}

func TestOpenAuthenticatorAcceptsEverything(t *testing.T) {
	auth, err := NewAuthenticator("disabled", nil, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if err := auth.Authorize(testRecipient(1), "", time.Now()); err != nil {
		t.Errorf("open mode rejected empty credential: %v", err)
	}
	if err := auth.Authorize(testRecipient(1), "Bearer garbage", time.Now()); err != nil {
		t.Errorf("open mode rejected garbage credential: %v", err)
	}
}

func TestNewAuthenticatorRejectsUnknownMode(t *testing.T) {
	if _, err := NewAuthenticator("mutual-tls", nil, nil); err == nil {
		t.Error("unknown auth mode accepted")
	}
}

func TestServerAuthenticator(t *testing.T) {
	pub, priv := testKeypair(t)
	keyring := captoken.NewKeyring(pub)
	blacklist := captoken.NewBlacklist()
	auth, err := NewAuthenticator("server", keyring, blacklist)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	recipient := testRecipient(1)
	credential := mintBearer(t, priv, &captoken.Token{
		Audience:  captoken.AudienceMailbox,
		Subject:   []byte("device-a"),
		ID:        "tok-1",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})

	if err := auth.Authorize(recipient, credential, now); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	// A server-wide token opens any mailbox.
	if err := auth.Authorize(testRecipient(99), credential, now); err != nil {
		t.Errorf("valid token rejected for second mailbox: %v", err)
	}

	for name, bad := range map[string]string{
		"missing":       "",
		"not bearer":    "Basic dXNlcjpwYXNz",
		"empty bearer":  "Bearer ",
		"not base64url": "Bearer %%%",
		"not a token":   "Bearer " + base64.RawURLEncoding.EncodeToString([]byte("short")),
	} {
		if err := auth.Authorize(recipient, bad, now); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s credential: got %v, want ErrUnauthorized", name, err)
		}
	}

	// Wrong audience: a relay token is not a mailbox credential.
	relayCredential := mintBearer(t, priv, &captoken.Token{
		Audience:  captoken.AudienceRelay,
		Subject:   []byte("device-a"),
		ID:        "tok-2",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err := auth.Authorize(recipient, relayCredential, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("relay-audience token: got %v, want ErrUnauthorized", err)
	}

	// Expired past the skew window.
	if err := auth.Authorize(recipient, credential, now.Add(time.Hour+captoken.ExpirySkew+time.Second)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired token: got %v, want ErrUnauthorized", err)
	}
}

func TestServerAuthenticatorHonorsRevocation(t *testing.T) {
	pub, priv := testKeypair(t)
	keyring := captoken.NewKeyring(pub)
	blacklist := captoken.NewBlacklist()
	auth, err := NewAuthenticator("server", keyring, blacklist)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	credential := mintBearer(t, priv, &captoken.Token{
		Audience:  captoken.AudienceMailbox,
		ID:        "tok-revoked",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})

	if err := auth.Authorize(testRecipient(1), credential, now); err != nil {
		t.Fatalf("token rejected before revocation: %v", err)
	}

	blacklist.Revoke("tok-revoked", now.Add(time.Hour))
	if err := auth.Authorize(testRecipient(1), credential, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("revoked token: got %v, want ErrUnauthorized", err)
	}
}

func TestPerMailboxAuthenticator(t *testing.T) {
	pub, priv := testKeypair(t)
	keyring := captoken.NewKeyring(pub)
	auth, err := NewAuthenticator("per-mailbox", keyring, captoken.NewBlacklist())
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	bound := testRecipient(5)
	credential := mintBearer(t, priv, &captoken.Token{
		Audience:  captoken.AudienceMailbox,
		Recipient: bound[:],
		ID:        "tok-bound",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})

	if err := auth.Authorize(bound, credential, now); err != nil {
		t.Errorf("bound token rejected for its own mailbox: %v", err)
	}
	if err := auth.Authorize(testRecipient(6), credential, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bound token for foreign mailbox: got %v, want ErrUnauthorized", err)
	}

	// Unbound tokens carry no mailbox binding and are rejected in this
	// mode.
	unbound := mintBearer(t, priv, &captoken.Token{
		Audience:  captoken.AudienceMailbox,
		ID:        "tok-unbound",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err := auth.Authorize(bound, unbound, now); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unbound token in per-mailbox mode: got %v, want ErrUnauthorized", err)
	}
}
