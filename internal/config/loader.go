package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Data directory resolution.
const (
	EnvDir         = "LATCH_DIR"
	legacyEnvDir   = "AGENT_2FA_DIR"
	defaultDirName = ".agent-2fa"

	// ConfigFileName is the settings file inside the data directory.
	ConfigFileName = "config.yaml"
)

// ResolveDir picks the data directory: an explicit flag value, then
// LATCH_DIR, then AGENT_2FA_DIR, then ~/.agent-2fa.
func ResolveDir(flag string) (string, error) {
	for _, dir := range []string{flag, os.Getenv(EnvDir), os.Getenv(legacyEnvDir)} {
		if dir != "" {
			return filepath.Abs(dir)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// NewViper returns a Viper instance reading <dir>/config.yaml with LATCH_*
// environment overrides, e.g. LATCH_APPROVAL_TIMEOUT for approval.timeout.
func NewViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, ConfigFileName))
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)
	return v
}

// bindNestedEnvKeys binds every settings key so Unmarshal sees env values
// even when config.yaml does not mention the key.
func bindNestedEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("log_level")

	_ = v.BindEnv("approval.timeout")
	_ = v.BindEnv("approval.listen_addr")

	_ = v.BindEnv("audit.backend")
	_ = v.BindEnv("audit.redact")

	_ = v.BindEnv("downstream.connect_timeout")

	_ = v.BindEnv("metrics.addr")
}

// LoadConfig reads settings from v, applies defaults and validates.
// A missing config.yaml is not an error.
func LoadConfig(v *viper.Viper, dir string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Dir = dir
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
