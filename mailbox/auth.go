// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/waypost-net/waypost/lib/captoken"
)

// Authenticator validates the credential presented with a mailbox
// request. Every failure surfaces as ErrUnauthorized: a missing token,
// a bad signature, and a token for somebody else's mailbox produce the
// same result, so responses cannot be used to probe which mailboxes
// exist. Underlying causes stay wrapped for the audit trail.
type Authenticator interface {
	Authorize(recipient RecipientID, credential string, now time.Time) error
}

// NewAuthenticator returns the authenticator for the configured mode.
// The mode set is closed: disabled, server, per-mailbox.
func NewAuthenticator(mode string, keyring *captoken.Keyring, blacklist *captoken.Blacklist) (Authenticator, error) {
	switch mode {
	case "", "disabled":
		return openAuthenticator{}, nil
	case "server":
		return &tokenAuthenticator{keyring: keyring, blacklist: blacklist}, nil
	case "per-mailbox":
		return &tokenAuthenticator{keyring: keyring, blacklist: blacklist, bindRecipient: true}, nil
	default:
		return nil, fmt.Errorf("mailbox: unknown auth mode %q", mode)
	}
}

// openAuthenticator accepts everything. Deployments behind their own
// perimeter run this mode.
type openAuthenticator struct{}

func (openAuthenticator) Authorize(RecipientID, string, time.Time) error { return nil }

// tokenAuthenticator requires a valid mailbox-audience bearer token.
// With bindRecipient set, the token must additionally be bound to the
// exact mailbox being accessed; unbound server-wide tokens are rejected
// in that mode.
type tokenAuthenticator struct {
	keyring       *captoken.Keyring
	blacklist     *captoken.Blacklist
	bindRecipient bool
}

func (a *tokenAuthenticator) Authorize(recipient RecipientID, credential string, now time.Time) error {
	raw, err := decodeBearer(credential)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	token, err := a.keyring.VerifyAt(raw, captoken.AudienceMailbox, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if a.blacklist != nil && a.blacklist.IsRevoked(token.ID) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, captoken.ErrRevoked)
	}

	if a.bindRecipient {
		if len(token.Recipient) != RecipientIDSize || string(token.Recipient) != string(recipient[:]) {
			return fmt.Errorf("%w: token not bound to mailbox", ErrUnauthorized)
		}
	}
	return nil
}

// decodeBearer extracts the raw token bytes from an Authorization
// header value of the form "Bearer <base64url-without-padding>".
func decodeBearer(credential string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(credential, "Bearer ")
	if !ok || encoded == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed bearer token: %w", err)
	}
	return raw, nil
}
