// Package policy contains the rule model and evaluator that decides how a
// tool call is admitted.
package policy

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Action is the outcome a rule assigns to a tool call. The set is closed:
// ParseAction and YAML decoding reject anything outside it.
type Action string

const (
	// ActionAllow forwards the call without human involvement.
	ActionAllow Action = "allow"
	// ActionAsk defers to the agent's own interactive prompt.
	ActionAsk Action = "ask"
	// ActionDeny blocks the call.
	ActionDeny Action = "deny"
	// ActionBrowser requires a click-through approval in the browser.
	ActionBrowser Action = "browser"
	// ActionWebAuthn requires a browser approval backed by a passkey assertion.
	ActionWebAuthn Action = "webauthn"
)

// Actions lists every action in declaration order.
var Actions = []Action{ActionAllow, ActionAsk, ActionDeny, ActionBrowser, ActionWebAuthn}

// ErrUnknownAction is returned for action strings outside the closed set.
var ErrUnknownAction = errors.New("unknown policy action")

// ParseAction converts s into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAllow, ActionAsk, ActionDeny, ActionBrowser, ActionWebAuthn:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Valid reports whether a is one of the five known actions.
func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

// RequiresApproval reports whether a is resolved through the approval flow.
func (a Action) RequiresApproval() bool {
	switch a {
	case ActionBrowser, ActionWebAuthn:
		return true
	case ActionAllow, ActionAsk, ActionDeny:
		return false
	default:
		return false
	}
}

// UnmarshalYAML rejects unknown actions while decoding policy files.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = parsed
	return nil
}

// Match selects the tool calls a rule applies to.
type Match struct {
	// Tool is a regular expression matched against the whole tool name.
	Tool string `yaml:"tool" json:"tool"`
	// When is an optional CEL expression over `tool` and `input`.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Rule pairs a match with the action applied on match.
type Rule struct {
	Match  Match  `yaml:"match" json:"match"`
	Action Action `yaml:"action" json:"action"`
}

// Config is the ordered rule list plus the fallback action.
type Config struct {
	DefaultAction Action `yaml:"defaultAction" json:"defaultAction"`
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// DefaultConfig returns the policy written on first run.
func DefaultConfig() Config {
	return Config{
		DefaultAction: ActionAllow,
		Rules: []Rule{
			{Match: Match{Tool: "Bash"}, Action: ActionAsk},
			{Match: Match{Tool: "Edit|Write|NotebookEdit"}, Action: ActionAsk},
			{Match: Match{Tool: "Read|Glob|Grep"}, Action: ActionAllow},
		},
	}
}

// Result is the outcome of evaluating one tool call.
type Result struct {
	Action Action
	Reason string
	// Rule is the matching rule, nil when the default action applied.
	Rule *Rule
}

// ValidationError reports a policy that cannot be compiled.
type ValidationError struct {
	// Index is the offending rule position, -1 for config-level problems.
	Index int
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid policy %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid policy rule %d %s: %v", e.Index, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
