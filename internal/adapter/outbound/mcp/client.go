// Package mcp provides the downstream MCP client adapter built on the
// official go-sdk client.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/port/outbound"
)

// ClientVersion is advertised to downstream servers during initialize.
const ClientVersion = "0.1.0"

// ErrNotConnected is returned when a call is made before Connect.
var ErrNotConnected = errors.New("downstream not connected")

// Client is a stdio MCP client for one downstream server.
type Client struct {
	cfg       downstream.ServerConfig
	transport mcpsdk.Transport
	stderr    io.Writer
	logger    *slog.Logger

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

var _ outbound.ToolClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the subprocess transport, e.g. with an in-memory
// transport in tests.
func WithTransport(t mcpsdk.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithStderr sets where the subprocess writes its stderr. Defaults to
// os.Stderr, since stdout is the MCP channel.
func WithStderr(w io.Writer) Option {
	return func(c *Client) { c.stderr = w }
}

// NewClient creates a client for cfg. The subprocess is not started until
// Connect.
func NewClient(cfg downstream.ServerConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		stderr: os.Stderr,
		logger: logger.With("downstream", cfg.Alias),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Alias returns the server alias.
func (c *Client) Alias() string {
	return c.cfg.Alias
}

// Connect starts the server process and performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return errors.New("client already connected")
	}

	transport := c.transport
	if transport == nil {
		cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
		cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)
		cmd.Stderr = c.stderr
		transport = &mcpsdk.CommandTransport{Command: cmd}
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "latch-proxy/" + c.cfg.Alias,
		Version: ClientVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", c.cfg.Alias, err)
	}
	c.session = session
	c.logger.Debug("downstream connected")
	return nil
}

func (c *Client) current() (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// ListTools pages through tools/list.
func (c *Client) ListTools(ctx context.Context) ([]downstream.Tool, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}

	var tools []downstream.Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools from %q: %w", c.cfg.Alias, err)
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			tool := downstream.Tool{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				schema, err := json.Marshal(t.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("encode schema of %q: %w", t.Name, err)
				}
				tool.InputSchema = schema
			}
			tools = append(tools, tool)
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcpsdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool forwards a tools/call. A result with isError set is returned
// as a result, not an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*downstream.CallResult, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &downstream.CallResult{Raw: raw, IsError: res.IsError}, nil
}

// Close ends the session, which terminates the subprocess.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

// mergeEnv overlays extra onto base; extra wins on conflicts.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; !overridden {
			out = append(out, kv)
		}
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
