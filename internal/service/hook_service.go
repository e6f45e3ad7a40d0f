package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/internal/domain/proxy"
)

// HookEventPreToolUse is the only hook event the gateway decides.
const HookEventPreToolUse = "PreToolUse"

// unknownTool names fail-open entries whose input could not be parsed.
const unknownTool = "unknown"

// ErrMissingToolName is reported when a PreToolUse payload has an empty
// tool_name.
var ErrMissingToolName = errors.New("tool_name is empty")

// PolicyLoader returns the current compiled policy, reading it from disk
// if needed.
type PolicyLoader interface {
	LoadPolicy() (*policy.Engine, error)
}

// HookInput is the JSON a PreToolUse hook receives on stdin.
type HookInput struct {
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Cwd           string         `json:"cwd,omitempty"`
	HookEventName string         `json:"hook_event_name,omitempty"`
}

// HookDecision is the permission verdict handed back to the agent.
type HookDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// HookOutput is written once to stdout.
type HookOutput struct {
	HookSpecificOutput HookDecision `json:"hookSpecificOutput"`
}

// HookService decides a single PreToolUse event. It never returns an
// error: any failure resolves to allow (fail-open) and is audited as such.
type HookService struct {
	loader   PolicyLoader
	approver approval.Approver
	recorder proxy.AuditRecorder
	logger   *slog.Logger
}

// NewHookService creates a HookService.
func NewHookService(loader PolicyLoader, approver approval.Approver, recorder proxy.AuditRecorder, logger *slog.Logger) *HookService {
	return &HookService{
		loader:   loader,
		approver: approver,
		recorder: recorder,
		logger:   logger,
	}
}

// Decide parses raw and returns the hook output. A nil output means the
// event is not a tool use and the hook should write nothing.
func (s *HookService) Decide(ctx context.Context, raw []byte) (out *HookOutput) {
	toolName := unknownTool
	var input HookInput

	defer func() {
		if r := recover(); r != nil {
			out = s.failOpen(ctx, toolName, input.ToolInput, fmt.Errorf("panic: %v", r))
		}
	}()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return s.failOpen(ctx, toolName, nil, fmt.Errorf("parse hook input: %w", err))
	}
	if _, ok := fields["tool_name"]; !ok {
		s.logger.Debug("ignoring hook event without tool_name")
		return nil
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return s.failOpen(ctx, toolName, nil, fmt.Errorf("parse hook input: %w", err))
	}
	if input.HookEventName != "" && input.HookEventName != HookEventPreToolUse {
		s.logger.Debug("ignoring hook event", "event", input.HookEventName)
		return nil
	}
	if input.ToolName == "" {
		return s.failOpen(ctx, toolName, input.ToolInput, ErrMissingToolName)
	}
	toolName = input.ToolName
	if input.ToolInput == nil {
		input.ToolInput = map[string]any{}
	}

	engine, err := s.loader.LoadPolicy()
	if err != nil {
		return s.failOpen(ctx, toolName, input.ToolInput, fmt.Errorf("load policy: %w", err))
	}
	res := engine.Evaluate(toolName, input.ToolInput)

	switch res.Action {
	case policy.ActionAllow, policy.ActionAsk, policy.ActionDeny:
		decision := audit.DecisionFor(res.Action)
		s.record(ctx, audit.Entry{
			ToolName:  toolName,
			ToolInput: input.ToolInput,
			Action:    res.Action,
			Decision:  decision,
			Reason:    res.Reason,
			Method:    audit.MethodPolicy,
		})
		return newHookOutput(string(decision), res.Reason)
	case policy.ActionBrowser, policy.ActionWebAuthn:
		return s.approve(ctx, toolName, input.ToolInput, res.Action)
	default:
		return s.failOpen(ctx, toolName, input.ToolInput, fmt.Errorf("%w: %q", policy.ErrUnknownAction, res.Action))
	}
}

func (s *HookService) approve(ctx context.Context, toolName string, toolInput map[string]any, action policy.Action) *HookOutput {
	outcome, err := s.approver.RequestApproval(ctx, approval.Request{
		ToolName:        toolName,
		ToolInput:       toolInput,
		RequireWebAuthn: action == policy.ActionWebAuthn,
	})
	if err != nil {
		return s.failOpen(ctx, toolName, toolInput, fmt.Errorf("approval flow: %w", err))
	}

	decision := audit.DecisionAllow
	reason := fmt.Sprintf("Approved in browser (%s)", action)
	if !outcome.Approved {
		decision = audit.DecisionDeny
		reason, _ = proxy.DenialTexts(action, outcome)
	}
	s.record(ctx, audit.Entry{
		ToolName:  toolName,
		ToolInput: toolInput,
		Action:    action,
		Decision:  decision,
		Reason:    reason,
		Method:    audit.MethodFor(action),
	})
	return newHookOutput(string(decision), reason)
}

func (s *HookService) failOpen(ctx context.Context, toolName string, toolInput map[string]any, err error) *HookOutput {
	reason := fmt.Sprintf("Hook error (fail-open): %v", err)
	s.logger.Error("hook failed open", "tool", toolName, "error", err)
	s.record(ctx, audit.Entry{
		ToolName:  toolName,
		ToolInput: toolInput,
		Action:    policy.ActionAllow,
		Decision:  audit.DecisionAllow,
		Reason:    reason,
		Method:    audit.MethodFailOpen,
	})
	return newHookOutput(string(audit.DecisionAllow), reason)
}

func (s *HookService) record(ctx context.Context, e audit.Entry) {
	e.Mode = audit.ModeHook
	s.recorder.Record(ctx, e)
}

func newHookOutput(decision, reason string) *HookOutput {
	return &HookOutput{HookSpecificOutput: HookDecision{
		HookEventName:            HookEventPreToolUse,
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
	}}
}
