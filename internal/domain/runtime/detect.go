// Package runtime identifies which coding agent launched the gateway so
// audit entries can be attributed.
package runtime

import (
	"strings"
)

// Client is a known agent client.
type Client string

const (
	ClientClaudeCode Client = "claude-code"
	ClientCodex      Client = "codex"
	ClientOpenClaw   Client = "openclaw"
	ClientUnknown    Client = "unknown"
)

// Env var names consulted before any process inspection.
const (
	EnvAgentClient       = "LATCH_AGENT_CLIENT"
	EnvAgentID           = "LATCH_AGENT_ID"
	legacyEnvAgentClient = "AGENT_2FA_CLIENT"
	legacyEnvAgentID     = "AGENT_2FA_AGENT_ID"
)

// Identity attributes a tool call to an agent.
type Identity struct {
	ID     string
	Client Client
}

// Probe exposes the process facts detection relies on. SystemProbe reads
// the real process tree; tests supply fixed values.
type Probe interface {
	// Environ returns the gateway's environment as KEY=VALUE pairs.
	Environ() []string
	// AncestorCommands returns the command lines of the parent process
	// and its ancestors, nearest first.
	AncestorCommands() ([]string, error)
}

// Detect resolves the calling agent. Order: explicit env override, agent
// specific env markers, then ancestor process command lines. The id
// defaults to "<client>-adhoc".
func Detect(p Probe) Identity {
	env := envMap(p.Environ())

	client := detectClient(p, env)
	id := firstNonEmpty(env[EnvAgentID], env[legacyEnvAgentID])
	if id == "" {
		id = string(client) + "-adhoc"
	}
	return Identity{ID: id, Client: client}
}

func detectClient(p Probe, env map[string]string) Client {
	if explicit := firstNonEmpty(env[EnvAgentClient], env[legacyEnvAgentClient]); explicit != "" {
		if c := Normalize(explicit); c != ClientUnknown {
			return c
		}
	}

	if env["CODEX_THREAD_ID"] != "" || env["CODEX_SANDBOX"] != "" || env["CODEX_CI"] != "" {
		return ClientCodex
	}
	for key := range env {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "claude") {
			return ClientClaudeCode
		}
	}
	for key := range env {
		if strings.HasPrefix(strings.ToLower(key), "openclaw") {
			return ClientOpenClaw
		}
	}

	cmds, err := p.AncestorCommands()
	if err != nil {
		return ClientUnknown
	}
	for _, cmd := range cmds {
		if c := Normalize(cmd); c != ClientUnknown {
			return c
		}
	}
	return ClientUnknown
}

// Normalize maps free-form text (an env value or a command line) to a
// known client.
func Normalize(s string) Client {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "claude"):
		return ClientClaudeCode
	case strings.Contains(lower, "codex"):
		return ClientCodex
	case strings.Contains(lower, "openclaw"):
		return ClientOpenClaw
	default:
		return ClientUnknown
	}
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
