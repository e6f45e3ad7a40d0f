// Package audit contains the audit trail entry model and its store port.
package audit

import (
	"strings"
	"time"

	"github.com/latch-dev/latch/internal/domain/policy"
)

// Decision is the recorded outcome of a tool call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Method records which mechanism produced the decision.
type Method string

const (
	MethodPolicy   Method = "policy"
	MethodBrowser  Method = "browser"
	MethodWebAuthn Method = "webauthn"
	MethodFailOpen Method = "fail-open"
)

// Mode records which front-end handled the call.
type Mode string

const (
	ModeHook Mode = "hook"
	ModeMCP  Mode = "mcp"
)

// DefaultReadLimit is the page size used when ReadOptions.Limit is zero.
const DefaultReadLimit = 50

// Entry is one append-only audit record. The JSON shape is the on-disk
// format of audit.jsonl.
type Entry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	AgentID     string         `json:"agentId,omitempty"`
	AgentClient string         `json:"agentClient,omitempty"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	Action      policy.Action  `json:"action"`
	Decision    Decision       `json:"decision"`
	Reason      string         `json:"reason"`
	Method      Method         `json:"method"`
	Mode        Mode           `json:"mode,omitempty"`
}

// Valid reports whether e carries the fields every stored entry must have.
// Readers skip entries that fail this check.
func (e *Entry) Valid() bool {
	if e.ID == "" || e.ToolName == "" || e.Timestamp.IsZero() || !e.Action.Valid() {
		return false
	}
	switch e.Decision {
	case DecisionAllow, DecisionAsk, DecisionDeny:
	default:
		return false
	}
	switch e.Method {
	case MethodPolicy, MethodBrowser, MethodWebAuthn, MethodFailOpen:
		return true
	default:
		return false
	}
}

// DecisionFor maps a non-approval policy action to the decision it records.
func DecisionFor(a policy.Action) Decision {
	switch a {
	case policy.ActionAllow:
		return DecisionAllow
	case policy.ActionAsk:
		return DecisionAsk
	case policy.ActionDeny, policy.ActionBrowser, policy.ActionWebAuthn:
		return DecisionDeny
	default:
		return DecisionDeny
	}
}

// MethodFor maps an approval action to the method it records.
func MethodFor(a policy.Action) Method {
	switch a {
	case policy.ActionWebAuthn:
		return MethodWebAuthn
	case policy.ActionBrowser:
		return MethodBrowser
	case policy.ActionAllow, policy.ActionAsk, policy.ActionDeny:
		return MethodPolicy
	default:
		return MethodPolicy
	}
}

// ReadOptions pages through entries newest first.
type ReadOptions struct {
	// Limit caps the number of entries; zero means DefaultReadLimit.
	Limit int
	// Offset skips that many of the newest entries.
	Offset int
}

// Normalize clamps negative values and applies the default limit.
func (o ReadOptions) Normalize() ReadOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultReadLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Stats aggregates every readable entry.
type Stats struct {
	Total     int            `json:"total"`
	Approvals int            `json:"approvals"`
	Denials   int            `json:"denials"`
	Asks      int            `json:"asks"`
	ByTool    map[string]int `json:"byTool"`
}

// NewStats returns zeroed stats with a non-nil ByTool map.
func NewStats() Stats {
	return Stats{ByTool: map[string]int{}}
}

// Add counts one entry.
func (s *Stats) Add(e Entry) {
	s.Total++
	switch e.Decision {
	case DecisionAllow:
		s.Approvals++
	case DecisionDeny:
		s.Denials++
	case DecisionAsk:
		s.Asks++
	}
	s.ByTool[e.ToolName]++
}

var sensitiveKeywords = []string{
	"password", "secret", "token", "key", "credential", "auth",
}

// RedactSensitiveArgs returns a copy of args with values of sensitive
// looking keys replaced by "***REDACTED***". Nested maps are walked.
func RedactSensitiveArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case isSensitiveKey(k):
			redacted[k] = "***REDACTED***"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = RedactSensitiveArgs(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
