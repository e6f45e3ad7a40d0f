// Package proxy contains the admission-control chain applied to every
// MCP message the agent sends.
package proxy

import (
	"context"
	"errors"
	"sync"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// MessageInterceptor inspects a client message and either passes it on
// or produces the response. A nil message with a nil error means no
// response is sent (notifications).
type MessageInterceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// InterceptorFunc adapts a function to MessageInterceptor.
type InterceptorFunc func(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)

// Intercept calls f(ctx, msg).
func (f InterceptorFunc) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return f(ctx, msg)
}

// ErrInvalidToolCall is returned for tools/call requests without a usable
// tool name.
var ErrInvalidToolCall = errors.New("invalid tools/call params")

// BlockedError stops a tool call. It is answered with a tool result whose
// isError flag is set, not with a JSON-RPC error.
type BlockedError struct {
	Text string
}

func (e *BlockedError) Error() string { return e.Text }

// SafeErrorMessage returns a client-facing message for an interceptor
// error. Internal details stay in the logs.
func SafeErrorMessage(err error) string {
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		return blocked.Text
	case errors.Is(err, ErrInvalidToolCall):
		return "Invalid tools/call params: a tool name is required"
	default:
		return "Internal error"
	}
}

// Verdict is the admission decision for one tool call.
type Verdict struct {
	Action   policy.Action
	Decision audit.Decision
	Reason   string
	Method   audit.Method
}

type verdictKey struct{}

type verdictSink struct {
	once   sync.Once
	record func(Verdict)
}

// withVerdictSink installs fn as the receiver of the call's verdict. Only
// the first verdict is delivered.
func withVerdictSink(ctx context.Context, fn func(Verdict)) context.Context {
	return context.WithValue(ctx, verdictKey{}, &verdictSink{record: fn})
}

// recordVerdict delivers v to the sink installed on ctx, if any.
func recordVerdict(ctx context.Context, v Verdict) {
	sink, ok := ctx.Value(verdictKey{}).(*verdictSink)
	if !ok {
		return
	}
	sink.once.Do(func() { sink.record(v) })
}

type policyResultKey struct{}

func withPolicyResult(ctx context.Context, r policy.Result) context.Context {
	return context.WithValue(ctx, policyResultKey{}, r)
}

// PolicyResultFrom returns the policy result stored by PolicyInterceptor.
func PolicyResultFrom(ctx context.Context) (policy.Result, bool) {
	r, ok := ctx.Value(policyResultKey{}).(policy.Result)
	return r, ok
}
