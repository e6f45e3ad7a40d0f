package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticPolicy struct{ engine *policy.Engine }

func (s staticPolicy) Policy() *policy.Engine { return s.engine }

func mustPolicy(t *testing.T, cfg policy.Config) staticPolicy {
	t.Helper()
	e, err := policy.Compile(cfg, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return staticPolicy{e}
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memRecorder) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type stubApprover struct {
	outcome approval.Outcome
	err     error
	calls   int
	last    approval.Request
}

func (s *stubApprover) RequestApproval(_ context.Context, req approval.Request) (approval.Outcome, error) {
	s.calls++
	s.last = req
	return s.outcome, s.err
}

type stubRouter struct {
	tools  []downstream.NamespacedTool
	err    error
	calls  []string
	result *downstream.CallResult
}

func (s *stubRouter) ListAllTools(context.Context) ([]downstream.NamespacedTool, error) {
	return s.tools, nil
}

func (s *stubRouter) RouteCall(_ context.Context, name string, _ map[string]any) (*downstream.CallResult, error) {
	s.calls = append(s.calls, name)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &downstream.CallResult{Raw: json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`)}, nil
}

type chain struct {
	head     MessageInterceptor
	recorder *memRecorder
	approver *stubApprover
	router   *stubRouter
}

func newChain(t *testing.T, cfg policy.Config, approver *stubApprover) *chain {
	t.Helper()
	if approver == nil {
		approver = &stubApprover{}
	}
	c := &chain{recorder: &memRecorder{}, approver: approver, router: &stubRouter{}}
	logger := testLogger()
	router := NewDownstreamRouter(c.router, logger)
	approvals := NewApprovalInterceptor(c.approver, router, logger)
	policies := NewPolicyInterceptor(mustPolicy(t, cfg), approvals, logger)
	c.head = NewAuditInterceptor(c.recorder, policies, logger)
	return c
}

func toolCall(t *testing.T, name string) *mcp.Message {
	t.Helper()
	raw := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + name + `","arguments":{"a":1}}}`
	msg, err := mcp.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	return msg
}

func rule(tool string, a policy.Action) policy.Rule {
	return policy.Rule{Match: policy.Match{Tool: tool}, Action: a}
}

func TestChain_Allow(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionAllow}, nil)
	resp, err := c.head.Intercept(context.Background(), toolCall(t, "mock__add"))
	if err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if !strings.Contains(string(resp.Raw), `"text":"ok"`) {
		t.Errorf("response = %s, want downstream result", resp.Raw)
	}
	if len(c.router.calls) != 1 || c.router.calls[0] != "mock__add" {
		t.Errorf("router calls = %v", c.router.calls)
	}

	entries := c.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Decision != audit.DecisionAllow || e.Method != audit.MethodPolicy || e.Mode != audit.ModeMCP || e.Reason != "Default policy action: allow" {
		t.Errorf("entry = %+v", e)
	}
	if e.ToolInput["a"] != float64(1) {
		t.Errorf("ToolInput = %v", e.ToolInput)
	}
}

func TestChain_Deny(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionAllow, Rules: []policy.Rule{rule("mock__rm", policy.ActionDeny)}}, nil)
	_, err := c.head.Intercept(context.Background(), toolCall(t, "mock__rm"))

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Intercept() error = %v, want *BlockedError", err)
	}
	if blocked.Text != `Blocked by policy: Policy rule: "mock__rm" → deny` {
		t.Errorf("Text = %q", blocked.Text)
	}
	if len(c.router.calls) != 0 {
		t.Error("denied call reached the downstream")
	}
	e := c.recorder.all()[0]
	if e.Decision != audit.DecisionDeny || e.Method != audit.MethodPolicy || e.Action != policy.ActionDeny {
		t.Errorf("entry = %+v", e)
	}
}

func TestChain_AskIsDeniedInMCPMode(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionAsk}, nil)
	_, err := c.head.Intercept(context.Background(), toolCall(t, "mock__add"))

	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Text != AskBlockedText("mock__add") {
		t.Fatalf("Intercept() error = %v", err)
	}
	if c.approver.calls != 0 {
		t.Error("ask started an approval flow")
	}
	e := c.recorder.all()[0]
	if e.Decision != audit.DecisionDeny || e.Action != policy.ActionAsk {
		t.Errorf("entry = %+v", e)
	}
	if e.Reason != "Default policy action: ask (ask not supported in MCP mode, denied)" {
		t.Errorf("Reason = %q", e.Reason)
	}
}

func TestChain_ApprovalGranted(t *testing.T) {
	t.Parallel()

	approver := &stubApprover{outcome: approval.Outcome{Approved: true, Reason: approval.ReasonApproved}}
	c := newChain(t, policy.Config{DefaultAction: policy.ActionWebAuthn}, approver)

	if _, err := c.head.Intercept(context.Background(), toolCall(t, "mock__add")); err != nil {
		t.Fatalf("Intercept() error = %v", err)
	}
	if !approver.last.RequireWebAuthn || approver.last.ToolName != "mock__add" {
		t.Errorf("approval request = %+v", approver.last)
	}
	if len(c.router.calls) != 1 {
		t.Error("approved call did not reach the downstream")
	}
	e := c.recorder.all()[0]
	if e.Decision != audit.DecisionAllow || e.Method != audit.MethodWebAuthn || e.Reason != "Approved in browser (webauthn)" {
		t.Errorf("entry = %+v", e)
	}
}

func TestChain_ApprovalDenied(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		outcome    approval.Outcome
		err        error
		wantText   string
		wantReason string
	}{
		{
			name:       "user denied",
			outcome:    approval.Outcome{Reason: approval.ReasonDenied},
			wantText:   "Denied by user in browser (browser)",
			wantReason: "Denied in browser (browser)",
		},
		{
			name:       "timed out",
			outcome:    approval.Outcome{Reason: approval.ReasonTimedOut},
			wantText:   "Approval timed out (browser)",
			wantReason: "Approval timed out (browser)",
		},
		{
			name:       "flow failed",
			err:        errors.New("listen: address in use"),
			wantText:   "Approval failed (browser)",
			wantReason: "Approval failed (browser): listen: address in use",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			approver := &stubApprover{outcome: tt.outcome, err: tt.err}
			c := newChain(t, policy.Config{DefaultAction: policy.ActionBrowser}, approver)

			_, err := c.head.Intercept(context.Background(), toolCall(t, "mock__add"))
			var blocked *BlockedError
			if !errors.As(err, &blocked) || blocked.Text != tt.wantText {
				t.Fatalf("Intercept() error = %v, want %q", err, tt.wantText)
			}
			if len(c.router.calls) != 0 {
				t.Error("denied call reached the downstream")
			}
			e := c.recorder.all()[0]
			if e.Decision != audit.DecisionDeny || e.Method != audit.MethodBrowser || e.Reason != tt.wantReason {
				t.Errorf("entry = %+v", e)
			}
		})
	}
}

func TestChain_DownstreamFailureIsToolError(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionAllow}, nil)
	c.router.err = &downstream.RoutingError{Tool: "ghost__x", Alias: "ghost"}

	resp, err := c.head.Intercept(context.Background(), toolCall(t, "ghost__x"))
	if err != nil {
		t.Fatalf("Intercept() error = %v, want tool error result", err)
	}
	var got struct {
		Result mcp.ToolResult `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Result.IsError || !strings.HasPrefix(got.Result.Content[0].Text, "Downstream call failed: ") {
		t.Errorf("result = %+v", got.Result)
	}
	if e := c.recorder.all()[0]; e.Decision != audit.DecisionAllow {
		t.Errorf("downstream failure changed the audit decision: %+v", e)
	}
}

func TestChain_NonToolMessages(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionDeny}, nil)
	c.router.tools = []downstream.NamespacedTool{{
		Tool:           downstream.Tool{Name: "add", Description: "Adds", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Alias:          "mock",
		NamespacedName: "mock__add",
	}}

	wrap := func(raw string) *mcp.Message {
		msg, err := mcp.ParseMessage([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}
		return msg
	}

	resp, err := c.head.Intercept(context.Background(), wrap(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`))
	if err != nil || !strings.Contains(string(resp.Raw), `"protocolVersion":"2024-11-05"`) || !strings.Contains(string(resp.Raw), ServerName) {
		t.Errorf("initialize = %s, %v", resp.Raw, err)
	}

	resp, err = c.head.Intercept(context.Background(), wrap(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil || resp != nil {
		t.Errorf("notification response = %v, %v, want none", resp, err)
	}

	resp, err = c.head.Intercept(context.Background(), wrap(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Result mcp.ToolsListResult `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Result.Tools) != 1 || list.Result.Tools[0].Name != "mock__add" || list.Result.Tools[0].Description != "Adds" {
		t.Errorf("tools/list = %s", resp.Raw)
	}

	resp, _ = c.head.Intercept(context.Background(), wrap(`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`))
	if !strings.Contains(string(resp.Raw), `"code":-32601`) {
		t.Errorf("unknown method = %s", resp.Raw)
	}

	if n := len(c.recorder.all()); n != 0 {
		t.Errorf("audit entries for non-tool messages = %d, want 0", n)
	}
}

func TestChain_ToolCallWithoutName(t *testing.T) {
	t.Parallel()

	c := newChain(t, policy.Config{DefaultAction: policy.ActionAllow}, nil)
	msg, err := mcp.ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.head.Intercept(context.Background(), msg); !errors.Is(err, ErrInvalidToolCall) {
		t.Errorf("Intercept() error = %v, want ErrInvalidToolCall", err)
	}
}

func TestSafeErrorMessage(t *testing.T) {
	t.Parallel()

	if got := SafeErrorMessage(&BlockedError{Text: "Blocked by policy: x"}); got != "Blocked by policy: x" {
		t.Errorf("blocked = %q", got)
	}
	if got := SafeErrorMessage(errors.New("open /secret: permission denied")); got != "Internal error" {
		t.Errorf("internal = %q", got)
	}
}
