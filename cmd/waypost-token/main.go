// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Waypost-token is the operator CLI for capability tokens: it
// generates signing keypairs, mints mailbox and relay tokens, and
// inspects tokens against a verify key.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/waypost-net/waypost/lib/captoken"
	"github.com/waypost-net/waypost/lib/version"
)

const usage = `waypost-token manages waypost capability tokens.

Usage:
  waypost-token keygen  --key-dir DIR
  waypost-token mint    --key-dir DIR --audience mailbox|relay [flags]
  waypost-token inspect --verify-key HEX TOKEN
  waypost-token version

Run 'waypost-token COMMAND --help' for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("a command is required")
	}

	switch args[0] {
	case "keygen":
		return runKeygen(args[1:])
	case "mint":
		return runMint(args[1:])
	case "inspect":
		return runInspect(args[1:])
	case "version":
		fmt.Printf("waypost-token %s\n", version.Full())
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runKeygen(args []string) error {
	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	keyDir := flags.String("key-dir", "", "directory to write the keypair into (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *keyDir == "" {
		return fmt.Errorf("--key-dir is required")
	}

	public, _, generated, err := captoken.LoadOrGenerateKeypair(*keyDir)
	if err != nil {
		return err
	}
	if !generated {
		return fmt.Errorf("a keypair already exists in %s", *keyDir)
	}

	// The hex public key goes into the services' verify_keys list.
	fmt.Printf("public key: %s\n", hex.EncodeToString(public))
	return nil
}

func runMint(args []string) error {
	flags := pflag.NewFlagSet("mint", pflag.ContinueOnError)
	keyDir := flags.String("key-dir", "", "directory holding the signing keypair (required)")
	audience := flags.String("audience", "", `token audience: "mailbox" or "relay" (required)`)
	subjectHex := flags.String("subject", "", "hex identity the capability is bound to (required)")
	recipientHex := flags.String("recipient", "", "hex mailbox the token is bound to (mailbox audience only)")
	quotaBytes := flags.Int64("quota-bytes", 0, "relay byte budget; 0 uses the relay default")
	bandwidthBPS := flags.Int64("bandwidth-bps", 0, "relay bandwidth limit; 0 uses the relay default")
	ttl := flags.Duration("ttl", time.Hour, "token lifetime from now")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *keyDir == "" || *subjectHex == "" {
		return fmt.Errorf("--key-dir and --subject are required")
	}
	if *audience != captoken.AudienceMailbox && *audience != captoken.AudienceRelay {
		return fmt.Errorf("--audience must be %q or %q", captoken.AudienceMailbox, captoken.AudienceRelay)
	}
	if *ttl <= 0 || *ttl > captoken.MaxTokenAge {
		return fmt.Errorf("--ttl must be in (0, %s]", captoken.MaxTokenAge)
	}

	subject, err := hex.DecodeString(*subjectHex)
	if err != nil {
		return fmt.Errorf("invalid --subject: %w", err)
	}
	var recipient []byte
	if *recipientHex != "" {
		if *audience != captoken.AudienceMailbox {
			return fmt.Errorf("--recipient only applies to mailbox tokens")
		}
		recipient, err = hex.DecodeString(*recipientHex)
		if err != nil {
			return fmt.Errorf("invalid --recipient: %w", err)
		}
	}

	_, private, err := captoken.LoadKeypair(*keyDir)
	if err != nil {
		return err
	}

	now := time.Now()
	raw, err := captoken.Mint(private, &captoken.Token{
		Audience:     *audience,
		Subject:      subject,
		Recipient:    recipient,
		QuotaBytes:   *quotaBytes,
		BandwidthBPS: *bandwidthBPS,
		ID:           uuid.NewString(),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(*ttl).Unix(),
	})
	if err != nil {
		return err
	}

	fmt.Println(base64.RawURLEncoding.EncodeToString(raw))
	return nil
}

func runInspect(args []string) error {
	flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	verifyKeys := flags.StringArray("verify-key", nil, "hex verify key; repeat for rotation candidates (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if len(*verifyKeys) == 0 {
		return fmt.Errorf("at least one --verify-key is required")
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one TOKEN argument is required")
	}

	raw, err := base64.RawURLEncoding.DecodeString(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("token is not base64url: %w", err)
	}

	keys, err := captoken.ParseHexKeys(*verifyKeys)
	if err != nil {
		return err
	}
	keyring := captoken.NewKeyring(keys...)

	// Try both audiences; the signature check is audience-independent,
	// so a mismatch error means the token is genuine but scoped to the
	// other service.
	now := time.Now()
	token, err := keyring.VerifyAt(raw, captoken.AudienceMailbox, now)
	if err != nil {
		token, err = keyring.VerifyAt(raw, captoken.AudienceRelay, now)
	}
	if err != nil {
		return fmt.Errorf("token does not verify: %w", err)
	}

	out := map[string]any{
		"audience":   token.Audience,
		"id":         token.ID,
		"subject":    hex.EncodeToString(token.Subject),
		"issued_at":  time.Unix(token.IssuedAt, 0).UTC().Format(time.RFC3339),
		"expires_at": time.Unix(token.ExpiresAt, 0).UTC().Format(time.RFC3339),
		"ttl":        token.TTL(now).Round(time.Second).String(),
	}
	if len(token.Recipient) > 0 {
		out["recipient"] = hex.EncodeToString(token.Recipient)
	}
	if token.QuotaBytes > 0 {
		out["quota_bytes"] = token.QuotaBytes
	}
	if token.BandwidthBPS > 0 {
		out["bandwidth_bps"] = token.BandwidthBPS
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
