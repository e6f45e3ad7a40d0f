package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	mcpclient "github.com/latch-dev/latch/internal/adapter/outbound/mcp"
	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/port/outbound"
)

type textInput struct {
	Text string `json:"text"`
}

// inMemoryServer starts an MCP server exposing one tool per name, each
// replying "<prefix>:<tool>:<text>".
func inMemoryServer(t *testing.T, prefix string, tools ...string) mcpsdk.Transport {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: prefix, Version: "v0.0.1"}, nil)
	for _, name := range tools {
		name := name
		mcpsdk.AddTool(server, &mcpsdk.Tool{Name: name, Description: prefix + " " + name},
			func(_ context.Context, _ *mcpsdk.CallToolRequest, in textInput) (*mcpsdk.CallToolResult, any, error) {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: prefix + ":" + name + ":" + in.Text}},
				}, nil, nil
			})
	}

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(context.Background(), serverT, nil)
	if err != nil {
		t.Fatalf("server.Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })
	return clientT
}

// brokenClient fails every operation with err.
type brokenClient struct {
	err    error
	closed atomic.Bool
}

func (b *brokenClient) Connect(context.Context) error { return b.err }
func (b *brokenClient) ListTools(context.Context) ([]downstream.Tool, error) {
	return nil, b.err
}
func (b *brokenClient) CallTool(context.Context, string, map[string]any) (*downstream.CallResult, error) {
	return nil, b.err
}
func (b *brokenClient) Close() error {
	b.closed.Store(true)
	return nil
}

// hangingClient blocks in Connect until the context is done.
type hangingClient struct{ brokenClient }

func (h *hangingClient) Connect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestManager(t *testing.T, clients map[string]outbound.ToolClient, opts ...DownstreamOption) *DownstreamManager {
	t.Helper()
	factory := func(cfg downstream.ServerConfig) outbound.ToolClient {
		if c, ok := clients[cfg.Alias]; ok {
			return c
		}
		return &brokenClient{err: errors.New("no client for alias " + cfg.Alias)}
	}
	m := NewDownstreamManager(factory, testLogger(), opts...)
	t.Cleanup(m.CloseAll)
	return m
}

func servers(aliases ...string) []downstream.ServerConfig {
	out := make([]downstream.ServerConfig, len(aliases))
	for i, a := range aliases {
		out[i] = downstream.ServerConfig{Alias: a, Command: "unused"}
	}
	return out
}

func TestDownstreamManager_ListAndRoute(t *testing.T) {
	ctx := context.Background()
	clients := map[string]outbound.ToolClient{
		"fs":  mcpclient.NewClient(downstream.ServerConfig{Alias: "fs"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "fs", "read_file"))),
		"git": mcpclient.NewClient(downstream.ServerConfig{Alias: "git"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "git", "log"))),
	}
	metrics := newCountingMetrics()
	m := newTestManager(t, clients, WithDownstreamMetrics(metrics))

	if err := m.ConnectAll(ctx, servers("fs", "git")); err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}
	if metrics.connected != 2 || metrics.failed != 0 {
		t.Errorf("metrics = %d connected, %d failed", metrics.connected, metrics.failed)
	}

	tools, err := m.ListAllTools(ctx)
	if err != nil {
		t.Fatalf("ListAllTools() error: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.NamespacedName)
	}
	if strings.Join(names, ",") != "fs__read_file,git__log" {
		t.Errorf("ListAllTools() = %v", names)
	}
	if tools[0].Description != "fs read_file" || tools[0].Alias != "fs" {
		t.Errorf("tool[0] = %+v", tools[0])
	}

	res, err := m.RouteCall(ctx, "git__log", map[string]any{"text": "HEAD"})
	if err != nil {
		t.Fatalf("RouteCall() error: %v", err)
	}
	if !strings.Contains(string(res.Raw), "git:log:HEAD") {
		t.Errorf("RouteCall() raw = %s", res.Raw)
	}
}

func TestDownstreamManager_RoutingErrors(t *testing.T) {
	ctx := context.Background()
	clients := map[string]outbound.ToolClient{
		"fs": mcpclient.NewClient(downstream.ServerConfig{Alias: "fs"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "fs", "read_file"))),
	}
	m := newTestManager(t, clients)
	if err := m.ConnectAll(ctx, servers("fs")); err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}

	for _, name := range []string{"read_file", "nope__read_file", "__read_file"} {
		_, err := m.RouteCall(ctx, name, nil)
		var re *downstream.RoutingError
		if !errors.As(err, &re) {
			t.Errorf("RouteCall(%q) error = %v, want *RoutingError", name, err)
			continue
		}
		if re.Alias == "" && re.Reason == "" {
			t.Errorf("RouteCall(%q) error %q names neither alias nor reason", name, err)
		}
	}
}

func TestDownstreamManager_PartialFailure(t *testing.T) {
	ctx := context.Background()
	broken := &brokenClient{err: errors.New("spawn failed")}
	clients := map[string]outbound.ToolClient{
		"fs":     mcpclient.NewClient(downstream.ServerConfig{Alias: "fs"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "fs", "read_file"))),
		"broken": broken,
	}
	metrics := newCountingMetrics()
	m := newTestManager(t, clients, WithDownstreamMetrics(metrics))

	if err := m.ConnectAll(ctx, servers("broken", "fs")); err != nil {
		t.Fatalf("ConnectAll() error: %v, want nil with one live server", err)
	}
	if !broken.closed.Load() {
		t.Error("failed client was not closed")
	}
	if metrics.connected != 1 || metrics.failed != 1 {
		t.Errorf("metrics = %d connected, %d failed", metrics.connected, metrics.failed)
	}

	status := m.Status()
	if len(status) != 2 || status[0].State != downstream.StateFailed || status[0].Err != "spawn failed" || status[1].State != downstream.StateConnected {
		t.Errorf("Status() = %+v", status)
	}

	tools, err := m.ListAllTools(ctx)
	if err != nil || len(tools) != 1 {
		t.Errorf("ListAllTools() = %v, %v", tools, err)
	}
	if _, err := m.RouteCall(ctx, "broken__anything", nil); err == nil {
		t.Error("RouteCall to failed server succeeded")
	}
}

func TestDownstreamManager_AllFailed(t *testing.T) {
	m := newTestManager(t, map[string]outbound.ToolClient{
		"a": &brokenClient{err: errors.New("no")},
		"b": &brokenClient{err: errors.New("no")},
	})
	if err := m.ConnectAll(context.Background(), servers("a", "b")); !errors.Is(err, ErrAllDownstreamsFailed) {
		t.Errorf("ConnectAll() error = %v, want ErrAllDownstreamsFailed", err)
	}
}

func TestDownstreamManager_NoServersIsNotAnError(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.ConnectAll(context.Background(), nil); err != nil {
		t.Errorf("ConnectAll(nil) error = %v", err)
	}
	tools, err := m.ListAllTools(context.Background())
	if err != nil || tools == nil || len(tools) != 0 {
		t.Errorf("ListAllTools() = %v, %v; want empty non-nil", tools, err)
	}
}

func TestDownstreamManager_ConnectTimeout(t *testing.T) {
	m := newTestManager(t, map[string]outbound.ToolClient{"slow": &hangingClient{}},
		WithConnectTimeout(20*time.Millisecond))

	start := time.Now()
	err := m.ConnectAll(context.Background(), servers("slow"))
	if !errors.Is(err, ErrAllDownstreamsFailed) {
		t.Errorf("ConnectAll() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("connect timeout not applied")
	}
}

func TestDownstreamManager_DuplicateAlias(t *testing.T) {
	ctx := context.Background()
	clients := map[string]outbound.ToolClient{
		"fs": mcpclient.NewClient(downstream.ServerConfig{Alias: "fs"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "fs", "read_file"))),
	}
	m := newTestManager(t, clients)
	if err := m.ConnectAll(ctx, servers("fs", "fs")); err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}
	status := m.Status()
	if len(status) != 2 || status[1].State != downstream.StateFailed {
		t.Errorf("Status() = %+v, want duplicate rejected", status)
	}
}

func TestDownstreamManager_CloseAll(t *testing.T) {
	ctx := context.Background()
	clients := map[string]outbound.ToolClient{
		"fs": mcpclient.NewClient(downstream.ServerConfig{Alias: "fs"}, testLogger(), mcpclient.WithTransport(inMemoryServer(t, "fs", "read_file"))),
	}
	m := newTestManager(t, clients)
	if err := m.ConnectAll(ctx, servers("fs")); err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}

	m.CloseAll()
	m.CloseAll()

	if _, err := m.RouteCall(ctx, "fs__read_file", nil); err == nil {
		t.Error("RouteCall after CloseAll succeeded")
	}
	if s := m.Status(); s[0].State != downstream.StateClosed {
		t.Errorf("Status() = %+v, want closed", s)
	}
}
