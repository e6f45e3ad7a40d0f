package stdio

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/latch-dev/latch/internal/domain/proxy"
	"github.com/latch-dev/latch/internal/service"
	"github.com/latch-dev/latch/pkg/mcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStdioTransport_ServesUntilEOF(t *testing.T) {
	pong := proxy.InterceptorFunc(func(_ context.Context, msg *mcp.Message) (*mcp.Message, error) {
		if msg.IsNotification() {
			return nil, nil
		}
		return mcp.NewResultResponse(msg.RawID(), map[string]string{"method": msg.Method()})
	})

	var out bytes.Buffer
	tr := NewStdioTransport(service.NewProxyService(pong, testLogger()))
	tr.in = strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	tr.out = &out

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := `{"jsonrpc":"2.0","id":1,"result":{"method":"ping"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"result":{"method":"tools/list"}}` + "\n"
	if out.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", out.String(), want)
	}
}
