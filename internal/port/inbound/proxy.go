// Package inbound defines the ports through which agents reach the gateway.
package inbound

import (
	"context"
)

// Gateway is the MCP front end an agent connects to. The stdio transport
// implements it; serve drives it until the agent hangs up.
type Gateway interface {
	// Start serves the agent until its input closes or ctx is cancelled.
	// A clean end of input returns nil.
	Start(ctx context.Context) error

	// Close stops serving and releases the agent's streams.
	Close() error
}
