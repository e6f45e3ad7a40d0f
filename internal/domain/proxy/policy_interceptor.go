package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// PolicySource supplies the current compiled policy. The config store
// swaps it on explicit reload.
type PolicySource interface {
	Policy() *policy.Engine
}

// PolicyInterceptor evaluates tools/call requests against the policy.
// deny and ask stop the call; allow passes it on; browser and webauthn
// pass it on with the result stored for ApprovalInterceptor.
type PolicyInterceptor struct {
	source PolicySource
	next   MessageInterceptor
	logger *slog.Logger
}

// NewPolicyInterceptor creates a new PolicyInterceptor.
func NewPolicyInterceptor(source PolicySource, next MessageInterceptor, logger *slog.Logger) *PolicyInterceptor {
	return &PolicyInterceptor{
		source: source,
		next:   next,
		logger: logger,
	}
}

// AskBlockedText is returned for ask rules, which need a human prompt the
// MCP transport cannot show.
func AskBlockedText(toolName string) string {
	return fmt.Sprintf("Blocked: tool %q requires interactive approval (ask), which is not supported in MCP mode. "+
		"Update policy to \"allow\", \"browser\", or \"webauthn\" for MCP usage.", toolName)
}

// Intercept evaluates tool calls; other messages pass through.
func (p *PolicyInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if !msg.IsToolCall() {
		return p.next.Intercept(ctx, msg)
	}
	call, ok := msg.ToolCall()
	if !ok {
		return nil, ErrInvalidToolCall
	}

	res := p.source.Policy().Evaluate(call.Name, call.Arguments)

	switch res.Action {
	case policy.ActionDeny:
		p.logger.Info("tool call denied by policy", "tool", call.Name, "reason", res.Reason)
		recordVerdict(ctx, Verdict{Action: res.Action, Decision: audit.DecisionDeny, Reason: res.Reason, Method: audit.MethodPolicy})
		return nil, &BlockedError{Text: "Blocked by policy: " + res.Reason}
	case policy.ActionAsk:
		p.logger.Info("ask rule denied in MCP mode", "tool", call.Name, "reason", res.Reason)
		recordVerdict(ctx, Verdict{
			Action:   res.Action,
			Decision: audit.DecisionDeny,
			Reason:   res.Reason + " (ask not supported in MCP mode, denied)",
			Method:   audit.MethodPolicy,
		})
		return nil, &BlockedError{Text: AskBlockedText(call.Name)}
	case policy.ActionAllow:
		p.logger.Debug("tool call allowed by policy", "tool", call.Name, "reason", res.Reason)
		recordVerdict(ctx, Verdict{Action: res.Action, Decision: audit.DecisionAllow, Reason: res.Reason, Method: audit.MethodPolicy})
		return p.next.Intercept(ctx, msg)
	case policy.ActionBrowser, policy.ActionWebAuthn:
		p.logger.Info("tool call requires approval", "tool", call.Name, "action", res.Action)
		return p.next.Intercept(withPolicyResult(ctx, res), msg)
	default:
		return nil, fmt.Errorf("%w: %q", policy.ErrUnknownAction, res.Action)
	}
}

var _ MessageInterceptor = (*PolicyInterceptor)(nil)
