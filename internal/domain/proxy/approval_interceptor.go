package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// ApprovalInterceptor blocks browser and webauthn tool calls until a human
// decides them.
type ApprovalInterceptor struct {
	approver approval.Approver
	next     MessageInterceptor
	logger   *slog.Logger
}

// NewApprovalInterceptor creates a new ApprovalInterceptor.
func NewApprovalInterceptor(approver approval.Approver, next MessageInterceptor, logger *slog.Logger) *ApprovalInterceptor {
	return &ApprovalInterceptor{
		approver: approver,
		next:     next,
		logger:   logger,
	}
}

// Intercept runs the approval flow when the policy result requires it.
func (a *ApprovalInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	res, ok := PolicyResultFrom(ctx)
	if !ok || !res.Action.RequiresApproval() {
		return a.next.Intercept(ctx, msg)
	}
	call, ok := msg.ToolCall()
	if !ok {
		return nil, ErrInvalidToolCall
	}

	method := audit.MethodFor(res.Action)
	outcome, err := a.approver.RequestApproval(ctx, approval.Request{
		ToolName:        call.Name,
		ToolInput:       call.Arguments,
		RequireWebAuthn: res.Action == policy.ActionWebAuthn,
	})
	if err != nil {
		a.logger.Error("approval flow failed", "tool", call.Name, "action", res.Action, "error", err)
		recordVerdict(ctx, Verdict{
			Action:   res.Action,
			Decision: audit.DecisionDeny,
			Reason:   fmt.Sprintf("Approval failed (%s): %v", res.Action, err),
			Method:   method,
		})
		return nil, &BlockedError{Text: fmt.Sprintf("Approval failed (%s)", res.Action)}
	}

	if !outcome.Approved {
		reason, text := DenialTexts(res.Action, outcome)
		recordVerdict(ctx, Verdict{Action: res.Action, Decision: audit.DecisionDeny, Reason: reason, Method: method})
		return nil, &BlockedError{Text: text}
	}

	recordVerdict(ctx, Verdict{
		Action:   res.Action,
		Decision: audit.DecisionAllow,
		Reason:   fmt.Sprintf("Approved in browser (%s)", res.Action),
		Method:   method,
	})
	return a.next.Intercept(ctx, msg)
}

// DenialTexts returns the audit reason and the agent-facing text for a
// refused approval.
func DenialTexts(action policy.Action, o approval.Outcome) (reason, text string) {
	switch o.Reason {
	case approval.ReasonTimedOut:
		s := fmt.Sprintf("Approval timed out (%s)", action)
		return s, s
	case approval.ReasonCancelled:
		s := fmt.Sprintf("Approval cancelled (%s)", action)
		return s, s
	default:
		return fmt.Sprintf("Denied in browser (%s)", action), fmt.Sprintf("Denied by user in browser (%s)", action)
	}
}

var _ MessageInterceptor = (*ApprovalInterceptor)(nil)
