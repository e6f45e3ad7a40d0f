package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/pkg/mcp"
)

// Server identity advertised to the agent.
const (
	ServerName    = "latch-proxy"
	ServerVersion = "0.1.0"
)

// supportedProtocolVersions lists MCP revisions the proxy accepts, newest
// first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// ToolRouter lists and invokes namespaced downstream tools. The
// DownstreamManager satisfies this interface.
type ToolRouter interface {
	ListAllTools(ctx context.Context) ([]downstream.NamespacedTool, error)
	RouteCall(ctx context.Context, namespacedName string, args map[string]any) (*downstream.CallResult, error)
}

// DownstreamRouter is the innermost interceptor. It answers the MCP
// lifecycle locally and forwards tool calls to the owning downstream.
type DownstreamRouter struct {
	router ToolRouter
	logger *slog.Logger
}

// NewDownstreamRouter creates a new DownstreamRouter.
func NewDownstreamRouter(router ToolRouter, logger *slog.Logger) *DownstreamRouter {
	return &DownstreamRouter{
		router: router,
		logger: logger,
	}
}

// Intercept dispatches on the request method.
func (r *DownstreamRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if !msg.IsRequest() {
		r.logger.Debug("ignoring non-request message")
		return nil, nil
	}
	if msg.IsNotification() {
		r.logger.Debug("notification received", "method", msg.Method())
		return nil, nil
	}

	switch msg.Method() {
	case mcp.MethodInitialize:
		return r.handleInitialize(msg)
	case mcp.MethodPing:
		return mcp.NewResultResponse(msg.RawID(), map[string]any{})
	case mcp.MethodToolsList:
		return r.handleToolsList(ctx, msg)
	case mcp.MethodToolsCall:
		return r.handleToolsCall(ctx, msg)
	default:
		return mcp.NewErrorResponse(msg.RawID(), mcp.ErrCodeMethodNotFound, "Method not found: "+msg.Method()), nil
	}
}

func (r *DownstreamRouter) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	version := supportedProtocolVersions[0]
	if requested, ok := msg.Params()["protocolVersion"].(string); ok && slices.Contains(supportedProtocolVersions, requested) {
		version = requested
	}
	return mcp.NewResultResponse(msg.RawID(), map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	})
}

// handleToolsList returns the namespaced tools of every live downstream.
// Descriptions and schemas pass through unchanged.
func (r *DownstreamRouter) handleToolsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	tools, err := r.router.ListAllTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing downstream tools: %w", err)
	}

	entries := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		entries = append(entries, mcp.Tool{
			Name:        t.NamespacedName,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return mcp.NewResultResponse(msg.RawID(), mcp.ToolsListResult{Tools: entries})
}

// handleToolsCall routes the call. Routing and transport failures become
// tool error results; they are not retried.
func (r *DownstreamRouter) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	call, ok := msg.ToolCall()
	if !ok {
		return nil, ErrInvalidToolCall
	}

	result, err := r.router.RouteCall(ctx, call.Name, call.Arguments)
	if err != nil {
		r.logger.Warn("downstream call failed", "tool", call.Name, "error", err)
		return mcp.NewResultResponse(msg.RawID(), mcp.ErrorResult(fmt.Sprintf("Downstream call failed: %v", err)))
	}
	return mcp.NewResultResponse(msg.RawID(), result.Raw)
}

var _ MessageInterceptor = (*DownstreamRouter)(nil)
