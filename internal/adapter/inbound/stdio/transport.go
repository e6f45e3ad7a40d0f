// Package stdio connects the proxy to the agent over stdin/stdout.
package stdio

import (
	"context"
	"io"
	"os"

	"github.com/latch-dev/latch/internal/port/inbound"
	"github.com/latch-dev/latch/internal/service"
)

// StdioTransport is the inbound adapter that serves the proxy on stdio.
type StdioTransport struct {
	proxyService *service.ProxyService
	in           io.Reader
	out          io.Writer
}

// NewStdioTransport creates a stdio transport adapter wrapping the given
// proxy service.
func NewStdioTransport(proxyService *service.ProxyService) *StdioTransport {
	return &StdioTransport{
		proxyService: proxyService,
		in:           os.Stdin,
		out:          os.Stdout,
	}
}

// Start serves stdin/stdout until the agent closes stdin or ctx ends.
func (t *StdioTransport) Start(ctx context.Context) error {
	return t.proxyService.Run(ctx, t.in, t.out)
}

// Close is a no-op; stdio has nothing to release.
func (t *StdioTransport) Close() error {
	return nil
}

var _ inbound.Gateway = (*StdioTransport)(nil)
