package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/domain/policy"
)

// File names inside the data directory.
const (
	PolicyFileName  = "policy.yaml"
	ServersFileName = "servers.yaml"
)

const defaultPolicyYAML = `# latch policy configuration
#
# Rules are checked in order; the first rule whose tool pattern matches the
# whole tool name wins. Actions: allow, ask, deny, browser, webauthn.
# An optional CEL "when" condition sees the tool name as ` + "`tool`" + ` and the
# arguments as ` + "`input`" + `, e.g. when: 'input.command.startsWith("rm ")'.
defaultAction: allow

rules:
  - match:
      tool: "Bash"
    action: ask
  - match:
      tool: "Edit|Write|NotebookEdit"
    action: ask
  - match:
      tool: "Read|Glob|Grep"
    action: allow
`

const defaultServersYAML = `# latch MCP server configuration
# Each entry defines a downstream MCP server that latch proxies. Its tools
# are exposed to the agent as <alias>__<tool>.
#
# servers:
#   - alias: fs
#     command: npx
#     args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
#   - alias: github
#     command: npx
#     args: ["-y", "@modelcontextprotocol/server-github"]
#     env:
#       GITHUB_TOKEN: "ghp_..."

servers: []
`

// Store owns policy.yaml and servers.yaml. Both are read once and cached
// until Reload.
type Store struct {
	dir    string
	cc     policy.ConditionCompiler
	logger *slog.Logger

	mu      sync.RWMutex
	engine  *policy.Engine
	servers []downstream.ServerConfig
	loaded  bool

	// xxhash of the bytes behind engine and servers.
	policySum  uint64
	serversSum uint64
}

// Changes reports which files differed from the cached copies on Reload.
type Changes struct {
	Policy  bool
	Servers bool
}

// NewStore creates a store over dir. cc compiles `when` conditions and may
// be nil.
func NewStore(dir string, cc policy.ConditionCompiler, logger *slog.Logger) *Store {
	return &Store{dir: dir, cc: cc, logger: logger}
}

// PolicyPath returns the policy file path.
func (s *Store) PolicyPath() string {
	return filepath.Join(s.dir, PolicyFileName)
}

// ServersPath returns the server registry path.
func (s *Store) ServersPath() string {
	return filepath.Join(s.dir, ServersFileName)
}

// LoadPolicy returns the cached policy, reading it on first use. A missing
// file is scaffolded with the default policy.
func (s *Store) LoadPolicy() (*policy.Engine, error) {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine != nil {
		return engine, nil
	}

	data, err := s.readOrScaffold(s.PolicyPath(), defaultPolicyYAML)
	if err != nil {
		return nil, err
	}
	engine, err = s.compilePolicy(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.engine, s.policySum = engine, xxhash.Sum64(data)
	s.mu.Unlock()
	return engine, nil
}

// Policy returns the current policy. If it cannot be loaded, every call is
// denied until a valid policy is reloaded.
func (s *Store) Policy() *policy.Engine {
	engine, err := s.LoadPolicy()
	if err != nil {
		s.logger.Error("policy unavailable, denying all tool calls", "path", s.PolicyPath(), "error", err)
		deny, _ := policy.Compile(policy.Config{DefaultAction: policy.ActionDeny}, nil)
		return deny
	}
	return engine
}

// Servers returns the cached server registry, reading it on first use. A
// missing file is scaffolded with an empty, commented registry.
func (s *Store) Servers() ([]downstream.ServerConfig, error) {
	s.mu.RLock()
	servers, loaded := s.servers, s.loaded
	s.mu.RUnlock()
	if loaded {
		return servers, nil
	}

	data, err := s.readOrScaffold(s.ServersPath(), defaultServersYAML)
	if err != nil {
		return nil, err
	}
	servers, err = s.parseServers(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.servers, s.loaded, s.serversSum = servers, true, xxhash.Sum64(data)
	s.mu.Unlock()
	return servers, nil
}

// Reload re-reads both files. A file whose content is unchanged keeps its
// cached value. On error the previous cache is kept in full.
func (s *Store) Reload() (Changes, error) {
	policyData, err := s.readOrScaffold(s.PolicyPath(), defaultPolicyYAML)
	if err != nil {
		return Changes{}, err
	}
	serversData, err := s.readOrScaffold(s.ServersPath(), defaultServersYAML)
	if err != nil {
		return Changes{}, err
	}
	policySum, serversSum := xxhash.Sum64(policyData), xxhash.Sum64(serversData)

	s.mu.RLock()
	engine, servers := s.engine, s.servers
	changes := Changes{
		Policy:  engine == nil || policySum != s.policySum,
		Servers: !s.loaded || serversSum != s.serversSum,
	}
	s.mu.RUnlock()

	if changes.Policy {
		if engine, err = s.compilePolicy(policyData); err != nil {
			return Changes{}, err
		}
	}
	if changes.Servers {
		if servers, err = s.parseServers(serversData); err != nil {
			return Changes{}, err
		}
	}

	s.mu.Lock()
	s.engine, s.policySum = engine, policySum
	s.servers, s.loaded, s.serversSum = servers, true, serversSum
	s.mu.Unlock()
	s.logger.Info("configuration reloaded",
		"rules", len(engine.Config().Rules), "servers", len(servers),
		"policy_changed", changes.Policy, "servers_changed", changes.Servers)
	return changes, nil
}

// SavePolicy validates cfg, writes it atomically and makes it current.
func (s *Store) SavePolicy(cfg policy.Config) error {
	engine, err := policy.Compile(cfg, s.cc)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(engine.Config()); err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := writeAtomic(s.PolicyPath(), buf.Bytes()); err != nil {
		return err
	}

	s.mu.Lock()
	s.engine, s.policySum = engine, xxhash.Sum64(buf.Bytes())
	s.mu.Unlock()
	return nil
}

func (s *Store) compilePolicy(data []byte) (*policy.Engine, error) {
	cfg, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.PolicyPath(), err)
	}
	engine, err := policy.Compile(cfg, s.cc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.PolicyPath(), err)
	}
	return engine, nil
}

func (s *Store) parseServers(data []byte) ([]downstream.ServerConfig, error) {
	reg, err := ParseServers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.ServersPath(), err)
	}
	return reg.Servers, nil
}

func (s *Store) readOrScaffold(path, scaffold string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if err := writeAtomic(path, []byte(scaffold)); err != nil {
		return nil, err
	}
	s.logger.Info("created default configuration file", "path", path)
	return []byte(scaffold), nil
}

// ParsePolicy decodes a policy document. Unknown fields and actions are
// rejected; patterns are checked by policy.Compile.
func ParsePolicy(data []byte) (policy.Config, error) {
	var cfg policy.Config
	if err := decodeStrict(data, &cfg); err != nil {
		return policy.Config{}, fmt.Errorf("parse policy: %w", err)
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = policy.ActionAllow
	}
	if cfg.Rules == nil {
		cfg.Rules = []policy.Rule{}
	}
	return cfg, nil
}

// ParseServers decodes and validates a server registry document.
func ParseServers(data []byte) (downstream.Registry, error) {
	var reg downstream.Registry
	if err := decodeStrict(data, &reg); err != nil {
		return downstream.Registry{}, fmt.Errorf("parse servers: %w", err)
	}
	if reg.Servers == nil {
		reg.Servers = []downstream.ServerConfig{}
	}
	if err := ValidateRegistry(reg); err != nil {
		return downstream.Registry{}, err
	}
	return reg, nil
}

// decodeStrict decodes YAML rejecting unknown fields. An empty document
// decodes to the zero value.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
