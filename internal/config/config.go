// Package config provides the gateway settings and the on-disk policy and
// downstream server registry.
//
// Settings come from <dir>/config.yaml and LATCH_* environment variables.
// The policy (policy.yaml) and server registry (servers.yaml) live next to
// it and are owned by Store.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Dir is the data directory holding every state file.
	Dir string `yaml:"-" mapstructure:"-"`

	// LogLevel sets the minimum slog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// Approval configures the browser approval flow.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Audit configures the audit trail backend.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Downstream configures connections to downstream MCP servers.
	Downstream DownstreamConfig `yaml:"downstream" mapstructure:"downstream"`

	// Metrics configures the optional Prometheus listener.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// ApprovalConfig configures the approval flow.
type ApprovalConfig struct {
	// Timeout bounds how long an approval waits for a decision.
	// "0" (the default) waits until the agent cancels.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"duration"`

	// ListenAddr is the loopback address of the ephemeral approval server.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"loopback_addr"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Backend is "jsonl" (audit.jsonl) or "sqlite" (audit.db).
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=jsonl sqlite"`

	// Redact masks sensitive-looking tool arguments before they are written.
	Redact bool `yaml:"redact" mapstructure:"redact"`
}

// DownstreamConfig configures downstream connections.
type DownstreamConfig struct {
	// ConnectTimeout bounds a single downstream handshake.
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"duration"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Approval.Timeout == "" {
		c.Approval.Timeout = "0"
	}
	if c.Approval.ListenAddr == "" {
		c.Approval.ListenAddr = "127.0.0.1:0"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "jsonl"
	}
	if c.Downstream.ConnectTimeout == "" {
		c.Downstream.ConnectTimeout = "30s"
	}
}

// ApprovalTimeout returns the parsed approval timeout. Zero disables it.
func (c *Config) ApprovalTimeout() time.Duration {
	return mustDuration(c.Approval.Timeout)
}

// ConnectTimeout returns the parsed downstream connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return mustDuration(c.Downstream.ConnectTimeout)
}

// mustDuration parses a value that already passed the duration validator.
func mustDuration(s string) time.Duration {
	if s == "" || s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
