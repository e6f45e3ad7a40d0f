package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/latch-dev/latch/internal/domain/proxy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writes and reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestProxyService_ErrorMapping(t *testing.T) {
	t.Parallel()

	chain := proxy.InterceptorFunc(func(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
		switch msg.Method() {
		case "tools/call":
			return nil, &proxy.BlockedError{Text: "Blocked by policy: nope"}
		case "tools/list":
			return nil, errors.New("disk on fire at /var/secret")
		default:
			return nil, proxy.ErrInvalidToolCall
		}
	})

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled"}`,
		`not json`,
	}, "\n") + "\n"

	out := &lockedBuffer{}
	if err := NewProxyService(chain, testLogger()).Run(context.Background(), strings.NewReader(in), out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	byID := map[string]map[string]any{}
	for _, line := range out.lines() {
		var resp map[string]any
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("invalid output line %q: %v", line, err)
		}
		id, _ := json.Marshal(resp["id"])
		byID[string(id)] = resp
	}
	if len(byID) != 3 {
		t.Fatalf("responses = %v, want 3 (notification gets none)", byID)
	}

	result, _ := byID["1"]["result"].(map[string]any)
	if result["isError"] != true {
		t.Errorf("blocked call = %v, want tool error result", byID["1"])
	}

	rpcErr, _ := byID["2"]["error"].(map[string]any)
	if rpcErr["message"] != "Internal error" || rpcErr["code"] != float64(mcp.ErrCodeInternal) {
		t.Errorf("internal failure = %v", byID["2"])
	}

	parseErr, _ := byID["null"]["error"].(map[string]any)
	if parseErr["code"] != float64(mcp.ErrCodeParse) {
		t.Errorf("parse failure = %v", byID["null"])
	}
}

func TestProxyService_ToolCallsDoNotBlockOtherRequests(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	chain := proxy.InterceptorFunc(func(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
		if msg.IsToolCall() {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return mcp.NewResultResponse(msg.RawID(), map[string]string{"method": msg.Method()})
	})

	pr, pw := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- NewProxyService(chain, testLogger()).Run(context.Background(), pr, out) }()

	if _, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`+"\n"+
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(strings.Join(out.lines(), ""), `"id":2`) {
		if time.Now().After(deadline) {
			t.Fatal("ping was blocked behind a pending tool call")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(out.lines(), ""); !strings.Contains(got, `"id":1`) {
		t.Errorf("tool call response missing: %s", got)
	}
}

func TestProxyService_CancelsPendingCallsOnEOF(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	chain := proxy.InterceptorFunc(func(ctx context.Context, _ *mcp.Message) (*mcp.Message, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	in := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"stuck"}}` + "\n"
	if err := NewProxyService(chain, testLogger()).Run(context.Background(), strings.NewReader(in), io.Discard); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("pending tool call was not cancelled")
	}
}

func TestProxyService_OversizedLineIsSkipped(t *testing.T) {
	t.Parallel()

	chain := proxy.InterceptorFunc(func(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
		return mcp.NewResultResponse(msg.RawID(), map[string]string{"method": msg.Method()})
	})

	huge := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x","arguments":{"blob":"` +
		strings.Repeat("a", maxMessageSize) + `"}}}`
	in := huge + "\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"

	out := &lockedBuffer{}
	if err := NewProxyService(chain, testLogger()).Run(context.Background(), strings.NewReader(in), out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := out.lines()
	if len(lines) != 2 {
		t.Fatalf("responses = %d, want 2: %v", len(lines), lines)
	}
	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if rpcErr, _ := first["error"].(map[string]any); rpcErr["code"] != float64(mcp.ErrCodeParse) || first["id"] != nil {
		t.Errorf("oversized line response = %v, want parse error with null id", first)
	}
	if second["id"] != float64(2) || second["result"] == nil {
		t.Errorf("ping response = %v, want result for id 2", second)
	}
}

func TestReadMessage(t *testing.T) {
	t.Parallel()

	atLimit := strings.Repeat("b", maxMessageSize)
	over := strings.Repeat("c", maxMessageSize+1)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "lines", input: "one\ntwo\n", want: []string{"one", "two"}},
		{name: "crlf", input: "one\r\ntwo\r\n", want: []string{"one", "two"}},
		{name: "no trailing newline", input: "one\ntwo", want: []string{"one", "two"}},
		{name: "blank line", input: "one\n\ntwo\n", want: []string{"one", "", "two"}},
		{name: "at limit", input: atLimit + "\nnext\n", want: []string{atLimit, "next"}},
		{name: "over limit", input: over + "\nnext\n", want: []string{"<too large>", "next"}},
		{name: "over limit at EOF", input: "first\n" + over, want: []string{"first", "<too large>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var got []string
			for {
				line, err := readMessage(r)
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, errMessageTooLarge) {
					got = append(got, "<too large>")
					continue
				}
				if err != nil {
					t.Fatalf("readMessage() error = %v", err)
				}
				got = append(got, string(line))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("lines = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %.20q, want %.20q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
