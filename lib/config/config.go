// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads waypost service configuration from a single
// YAML file. There is no automatic discovery and environment variables
// never override file values. The file is the sole source of truth,
// which keeps self-hosted deployments auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration shared by the waypost binaries.
type Config struct {
	// Listen configures the network listeners.
	Listen ListenConfig `yaml:"listen"`

	// Mailbox configures the signaling mailbox service.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// Relay configures the traffic relay service.
	Relay RelayConfig `yaml:"relay"`

	// Keys configures token verification and signing material.
	Keys KeysConfig `yaml:"keys"`

	// ShutdownTimeout bounds graceful shutdown: how long in-flight
	// requests and forwards get to drain after a termination signal.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ListenConfig holds the listen addresses for each surface.
type ListenConfig struct {
	// Mailbox is the mailbox HTTP listener address.
	Mailbox string `yaml:"mailbox"`

	// Relay is the relay's TCP forwarding listener address.
	Relay string `yaml:"relay"`

	// RelayAdmin is the relay's HTTP listener for /health, /metrics,
	// and the allocation admin API.
	RelayAdmin string `yaml:"relay_admin"`
}

// MailboxConfig holds the mailbox service knobs.
type MailboxConfig struct {
	// MaxMessageSize is the largest accepted message payload in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// MaxQueueLength is the per-mailbox queue bound.
	MaxQueueLength int `yaml:"max_queue_length"`

	// MessageTTL is how long an undelivered message survives.
	MessageTTL Duration `yaml:"message_ttl"`

	// IdleMailboxTTL is how long an empty, waiterless mailbox survives
	// before eviction.
	IdleMailboxTTL Duration `yaml:"idle_mailbox_ttl"`

	// DefaultWait and MaxWait bound the long-poll wait. A request's
	// wait_ms is clamped to [0, MaxWait]; omitted wait_ms means
	// DefaultWait.
	DefaultWait Duration `yaml:"default_wait"`
	MaxWait     Duration `yaml:"max_wait"`

	// PostsPerMinute and GetsPerMinute are the per-source rate limits.
	PostsPerMinute int `yaml:"posts_per_minute"`
	GetsPerMinute  int `yaml:"gets_per_minute"`

	// MaxActiveWaits is the number of concurrently blocked long-polls
	// at which /health starts reporting the service overloaded.
	MaxActiveWaits int `yaml:"max_active_waits"`

	// AuthMode selects the authentication variant: "disabled",
	// "server", or "per-mailbox".
	AuthMode string `yaml:"auth_mode"`

	// SweepInterval is the cadence of the eviction sweep.
	SweepInterval Duration `yaml:"sweep_interval"`

	// AdminToken gates the admin API. Empty disables admin routes.
	AdminToken string `yaml:"admin_token"`
}

// RelayConfig holds the relay service knobs.
type RelayConfig struct {
	// DefaultQuotaBytes applies to allocations whose token carries no
	// explicit quota.
	DefaultQuotaBytes int64 `yaml:"default_quota_bytes"`

	// DefaultBandwidthBPS applies to allocations whose token carries
	// no explicit bandwidth limit.
	DefaultBandwidthBPS int64 `yaml:"default_bandwidth_bps"`

	// MaxAllocationTTL caps allocation lifetime regardless of token
	// expiry.
	MaxAllocationTTL Duration `yaml:"max_allocation_ttl"`

	// SweepInterval is the cadence of the allocation expiry sweep.
	SweepInterval Duration `yaml:"sweep_interval"`

	// AdminToken gates the relay admin API. Empty disables it.
	AdminToken string `yaml:"admin_token"`
}

// KeysConfig holds token key material locations.
type KeysConfig struct {
	// SigningKeyDir is the directory holding the local signing
	// keypair (used by the token CLI; services only verify).
	SigningKeyDir string `yaml:"signing_key_dir"`

	// VerifyKeys is the candidate set of hex-encoded Ed25519 public
	// keys that token signatures may verify against. More than one
	// entry supports rotation.
	VerifyKeys []string `yaml:"verify_keys"`
}

// Auth mode values for MailboxConfig.AuthMode.
const (
	AuthDisabled   = "disabled"
	AuthServer     = "server"
	AuthPerMailbox = "per-mailbox"
)

// Default returns the default configuration. These are the documented
// defaults; LoadFile layers the file on top.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Mailbox:    ":8440",
			Relay:      ":8441",
			RelayAdmin: "127.0.0.1:8442",
		},
		Mailbox: MailboxConfig{
			MaxMessageSize: 64 * 1024,
			MaxQueueLength: 100,
			MessageTTL:     Duration(10 * time.Minute),
			IdleMailboxTTL: Duration(30 * time.Minute),
			DefaultWait:    Duration(30 * time.Second),
			MaxWait:        Duration(60 * time.Second),
			PostsPerMinute: 60,
			GetsPerMinute:  60,
			MaxActiveWaits: 4096,
			AuthMode:       AuthDisabled,
			SweepInterval:  Duration(30 * time.Second),
		},
		Relay: RelayConfig{
			DefaultQuotaBytes:   256 << 20, // 256 MiB
			DefaultBandwidthBPS: 1 << 20,   // 1 MiB/s
			MaxAllocationTTL:    Duration(time.Hour),
			SweepInterval:       Duration(30 * time.Second),
		},
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// LoadFile loads configuration from path, layered over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Mailbox.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("mailbox.max_message_size must be positive"))
	}
	if c.Mailbox.MaxQueueLength <= 0 {
		errs = append(errs, errors.New("mailbox.max_queue_length must be positive"))
	}
	if c.Mailbox.MessageTTL <= 0 {
		errs = append(errs, errors.New("mailbox.message_ttl must be positive"))
	}
	if c.Mailbox.IdleMailboxTTL <= 0 {
		errs = append(errs, errors.New("mailbox.idle_mailbox_ttl must be positive"))
	}
	if c.Mailbox.MaxWait <= 0 || c.Mailbox.DefaultWait < 0 {
		errs = append(errs, errors.New("mailbox wait bounds must be positive"))
	}
	if c.Mailbox.DefaultWait > c.Mailbox.MaxWait {
		errs = append(errs, errors.New("mailbox.default_wait exceeds mailbox.max_wait"))
	}
	if c.Mailbox.PostsPerMinute <= 0 || c.Mailbox.GetsPerMinute <= 0 {
		errs = append(errs, errors.New("mailbox rate limits must be positive"))
	}
	if c.Mailbox.MaxActiveWaits <= 0 {
		errs = append(errs, errors.New("mailbox.max_active_waits must be positive"))
	}

	switch c.Mailbox.AuthMode {
	case AuthDisabled, AuthServer, AuthPerMailbox:
	default:
		errs = append(errs, fmt.Errorf("mailbox.auth_mode must be one of %q, %q, %q",
			AuthDisabled, AuthServer, AuthPerMailbox))
	}
	if c.Mailbox.AuthMode != AuthDisabled && len(c.Keys.VerifyKeys) == 0 {
		errs = append(errs, fmt.Errorf("mailbox.auth_mode %q requires keys.verify_keys", c.Mailbox.AuthMode))
	}

	if c.Relay.DefaultQuotaBytes <= 0 {
		errs = append(errs, errors.New("relay.default_quota_bytes must be positive"))
	}
	if c.Relay.DefaultBandwidthBPS <= 0 {
		errs = append(errs, errors.New("relay.default_bandwidth_bps must be positive"))
	}
	if c.Relay.MaxAllocationTTL <= 0 {
		errs = append(errs, errors.New("relay.max_allocation_ttl must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
