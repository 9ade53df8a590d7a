// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package captoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "token-signing-key"
	publicKeyFile  = "token-signing-key.pub"
)

// GenerateKeypair creates a new Ed25519 keypair for token signing.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("captoken: generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes a keypair to keyDir. The private key file gets
// 0600 permissions, the public key 0644.
func SaveKeypair(keyDir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.WriteFile(filepath.Join(keyDir, privateKeyFile), private, 0600); err != nil {
		return fmt.Errorf("captoken: writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, publicKeyFile), public, 0644); err != nil {
		return fmt.Errorf("captoken: writing public key: %w", err)
	}
	return nil
}

// LoadKeypair loads a keypair from keyDir, checking file sizes.
func LoadKeypair(keyDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privateBytes, err := os.ReadFile(filepath.Join(keyDir, privateKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("captoken: reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("captoken: private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicBytes, err := os.ReadFile(filepath.Join(keyDir, publicKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("captoken: reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("captoken: public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(publicBytes), ed25519.PrivateKey(privateBytes), nil
}

// LoadOrGenerateKeypair loads an existing keypair from keyDir, or
// generates and saves a fresh one when the files are absent. The bool
// result reports whether the keypair was newly generated.
func LoadOrGenerateKeypair(keyDir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := LoadKeypair(keyDir)
	if err == nil {
		return public, private, false, nil
	}

	// A present-but-unreadable key file is corruption or a permissions
	// problem, not first boot; surface it rather than overwrite.
	if _, statErr := os.Stat(filepath.Join(keyDir, privateKeyFile)); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err = GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(keyDir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}
