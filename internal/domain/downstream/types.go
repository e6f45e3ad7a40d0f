// Package downstream contains the types shared by the downstream MCP
// server registry, the client adapter and the router.
package downstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Separator joins a server alias and a raw tool name.
const Separator = "__"

// AliasPattern constrains server aliases.
var AliasPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ServerConfig describes one downstream MCP server launched over stdio.
type ServerConfig struct {
	Alias   string            `yaml:"alias" json:"alias" validate:"required,alias"`
	Command string            `yaml:"command" json:"command" validate:"required"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Registry is the contents of servers.yaml.
type Registry struct {
	Servers []ServerConfig `yaml:"servers" json:"servers" validate:"dive"`
}

// Tool is a tool as advertised by a downstream server.
type Tool struct {
	Name        string
	Description string
	// InputSchema is passed through to the agent untouched.
	InputSchema json.RawMessage
}

// NamespacedTool is a downstream tool exposed under alias__name.
type NamespacedTool struct {
	Tool
	Alias          string
	NamespacedName string
}

// CallResult is a downstream tools/call result.
type CallResult struct {
	// Raw is the complete JSON result object as returned downstream.
	Raw     json.RawMessage
	IsError bool
}

// Namespace returns alias + Separator + rawName.
func Namespace(alias, rawName string) string {
	return alias + Separator + rawName
}

// SplitNamespaced splits name at the first Separator. The raw tool name may
// itself contain the separator; the alias may not be empty.
func SplitNamespaced(name string) (alias, rawName string, err error) {
	alias, rawName, ok := strings.Cut(name, Separator)
	if !ok {
		return "", "", &RoutingError{Tool: name, Reason: fmt.Sprintf("missing %q separator", Separator)}
	}
	if alias == "" {
		return "", "", &RoutingError{Tool: name, Reason: fmt.Sprintf("empty server alias before %q", Separator)}
	}
	return alias, rawName, nil
}

// RoutingError reports a tool name that cannot be routed to a downstream.
// It is a per-call failure, never fatal to the gateway.
type RoutingError struct {
	Tool   string
	Alias  string
	Reason string
}

func (e *RoutingError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("no downstream server with alias %q (from tool %q)", e.Alias, e.Tool)
	}
	return fmt.Sprintf("invalid namespaced tool name %q: %s", e.Tool, e.Reason)
}

// State is the connection state of a downstream.
type State string

const (
	StateConnected State = "connected"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// Status is a point-in-time view of one downstream.
type Status struct {
	Alias string
	State State
	Err   string
}
