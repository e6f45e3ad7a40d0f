package proxy

import (
	"context"
	"log/slog"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/pkg/mcp"
)

// AuditRecorder records audit entries. Satisfied by service.AuditService.
// Implementations must not fail the call.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// AuditInterceptor writes one audit entry per admitted or refused tool
// call, at the moment the inner interceptors reach their verdict.
// Chain order: Audit -> Policy -> Approval -> DownstreamRouter
type AuditInterceptor struct {
	recorder AuditRecorder
	next     MessageInterceptor
	logger   *slog.Logger
}

// NewAuditInterceptor creates a new AuditInterceptor.
func NewAuditInterceptor(recorder AuditRecorder, next MessageInterceptor, logger *slog.Logger) *AuditInterceptor {
	return &AuditInterceptor{
		recorder: recorder,
		next:     next,
		logger:   logger,
	}
}

// Intercept installs a verdict sink for tool calls and passes the message on.
func (a *AuditInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	call, ok := msg.ToolCall()
	if !ok {
		return a.next.Intercept(ctx, msg)
	}

	ctx = withVerdictSink(ctx, func(v Verdict) {
		a.logger.Debug("tool call decided",
			"tool", call.Name,
			"action", v.Action,
			"decision", v.Decision,
			"method", v.Method,
		)
		a.recorder.Record(ctx, audit.Entry{
			ToolName:  call.Name,
			ToolInput: call.Arguments,
			Action:    v.Action,
			Decision:  v.Decision,
			Reason:    v.Reason,
			Method:    v.Method,
			Mode:      audit.ModeMCP,
		})
	})
	return a.next.Intercept(ctx, msg)
}

var _ MessageInterceptor = (*AuditInterceptor)(nil)
