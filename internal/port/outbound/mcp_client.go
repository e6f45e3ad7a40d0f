// Package outbound defines the outbound port interfaces for talking to
// downstream MCP servers.
package outbound

import (
	"context"

	"github.com/latch-dev/latch/internal/domain/downstream"
)

// ToolClient is a session with one downstream MCP server.
type ToolClient interface {
	// Connect launches the server and completes the MCP handshake.
	Connect(ctx context.Context) error
	// ListTools returns the tools the server advertises, unnamespaced.
	ListTools(ctx context.Context) ([]downstream.Tool, error)
	// CallTool invokes a tool by its raw name.
	CallTool(ctx context.Context, name string, args map[string]any) (*downstream.CallResult, error)
	// Close ends the session and terminates the server.
	Close() error
}
