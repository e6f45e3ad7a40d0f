package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default: got %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Audit.Backend != "jsonl" {
		t.Errorf("Audit.Backend default: got %q, want %q", cfg.Audit.Backend, "jsonl")
	}
	if cfg.Approval.ListenAddr != "127.0.0.1:0" {
		t.Errorf("Approval.ListenAddr default: got %q", cfg.Approval.ListenAddr)
	}
	if cfg.ApprovalTimeout() != 0 {
		t.Errorf("ApprovalTimeout() default = %v, want 0 (disabled)", cfg.ApprovalTimeout())
	}
	if cfg.ConnectTimeout() != 30*time.Second {
		t.Errorf("ConnectTimeout() default = %v, want 30s", cfg.ConnectTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}

	// Custom values are preserved.
	cfg2 := Config{Approval: ApprovalConfig{Timeout: "2m"}, Audit: AuditConfig{Backend: "sqlite"}}
	cfg2.SetDefaults()
	if cfg2.ApprovalTimeout() != 2*time.Minute || cfg2.Audit.Backend != "sqlite" {
		t.Errorf("custom values lost: %+v", cfg2)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "Config.LogLevel must be one of: debug info warn error"},
		{"bad backend", func(c *Config) { c.Audit.Backend = "postgres" }, "Config.Audit.Backend must be one of: jsonl sqlite"},
		{"bad timeout", func(c *Config) { c.Approval.Timeout = "soon" }, "Config.Approval.Timeout must be a non-negative duration such as 90s or 5m"},
		{"negative timeout", func(c *Config) { c.Approval.Timeout = "-1s" }, "Config.Approval.Timeout must be a non-negative duration such as 90s or 5m"},
		{"public approval addr", func(c *Config) { c.Approval.ListenAddr = "0.0.0.0:0" }, "Config.Approval.ListenAddr must be a loopback host:port"},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "nope" }, "Config.Metrics.Addr must be a valid host:port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{}
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `
log_level: debug
approval:
  timeout: 90s
audit:
  backend: sqlite
`)
	t.Setenv("LATCH_AUDIT_BACKEND", "jsonl")
	t.Setenv("LATCH_AUDIT_REDACT", "true")
	t.Setenv("LATCH_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := LoadConfig(NewViper(dir), dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.ApprovalTimeout() != 90*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Audit.Backend != "jsonl" || !cfg.Audit.Redact || cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want %q", cfg.Dir, dir)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(NewViper(dir), dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Audit.Backend != "jsonl" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), "audit:\n  backend: mongo\n")
	if _, err := LoadConfig(NewViper(dir), dir); err == nil {
		t.Error("LoadConfig() accepted an unknown audit backend")
	}
}

func TestResolveDir(t *testing.T) {
	t.Setenv(EnvDir, "")
	t.Setenv(legacyEnvDir, "")
	t.Setenv("HOME", "/home/tester")

	got, err := ResolveDir("")
	if err != nil || got != filepath.Join("/home/tester", ".agent-2fa") {
		t.Errorf("ResolveDir() default = %q, %v", got, err)
	}

	t.Setenv(legacyEnvDir, "/legacy")
	if got, _ := ResolveDir(""); got != "/legacy" {
		t.Errorf("ResolveDir() with AGENT_2FA_DIR = %q", got)
	}

	t.Setenv(EnvDir, "/latch")
	if got, _ := ResolveDir(""); got != "/latch" {
		t.Errorf("ResolveDir() with LATCH_DIR = %q", got)
	}

	if got, _ := ResolveDir("/flag"); got != "/flag" {
		t.Errorf("ResolveDir(flag) = %q", got)
	}
}
