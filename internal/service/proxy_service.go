package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/latch-dev/latch/internal/domain/proxy"
	"github.com/latch-dev/latch/pkg/mcp"
)

// Limits for newline-delimited JSON-RPC input.
const (
	readBufferSize = 256 * 1024
	maxMessageSize = 4 * 1024 * 1024
)

// errMessageTooLarge reports an input line longer than maxMessageSize.
var errMessageTooLarge = errors.New("message exceeds size limit")

// ProxyService reads JSON-RPC messages from the agent, runs each through
// the interceptor chain and writes the responses back.
type ProxyService struct {
	interceptor proxy.MessageInterceptor
	logger      *slog.Logger
}

// NewProxyService creates a new proxy service with the given chain.
func NewProxyService(interceptor proxy.MessageInterceptor, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		interceptor: interceptor,
		logger:      logger,
	}
}

// Run serves clientIn until EOF or ctx cancellation. tools/call requests
// are handled concurrently since an approval may block for a long time;
// all other messages are handled in order. Outstanding calls are cancelled
// once the client goes away.
func (p *ProxyService) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	w := &responseWriter{out: clientOut}

	r := bufio.NewReaderSize(clientIn, readBufferSize)
	for {
		line, err := readMessage(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errMessageTooLarge) {
			p.logger.Warn("discarded oversized message", "limit_bytes", maxMessageSize)
			if werr := w.write(mcp.NewErrorResponse(nil, mcp.ErrCodeParse, "Parse error: message too large")); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(line) == 0 {
			continue
		}

		msg, err := mcp.ParseMessage(line)
		if err != nil {
			p.logger.Debug("failed to decode message", "error", err)
			if werr := w.write(mcp.NewErrorResponse(nil, mcp.ErrCodeParse, "Parse error")); werr != nil {
				return werr
			}
			continue
		}

		if msg.IsToolCall() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.write(p.handle(ctx, msg)); err != nil {
					p.logger.Error("failed to write response", "error", err)
					cancel()
				}
			}()
			continue
		}
		if err := w.write(p.handle(ctx, msg)); err != nil {
			return err
		}
	}

	p.logger.Debug("client closed input")
	return nil
}

// readMessage returns the next line without its terminator. A line longer
// than maxMessageSize is consumed in full and reported as
// errMessageTooLarge, leaving r at the start of the following line.
func readMessage(r *bufio.Reader) ([]byte, error) {
	var line []byte
	oversized := false
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && (len(line) > 0 || oversized) {
				break
			}
			return nil, err
		}
		if !oversized {
			if len(line)+len(chunk) > maxMessageSize {
				oversized, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !more {
			break
		}
	}
	if oversized {
		return nil, errMessageTooLarge
	}
	return line, nil
}

// handle runs one message through the chain and returns the response to
// send, or nil when none is due.
func (p *ProxyService) handle(ctx context.Context, msg *mcp.Message) *mcp.Message {
	start := time.Now()
	resp, err := p.interceptor.Intercept(ctx, msg)
	defer func() {
		p.logger.Debug("handled message",
			"method", msg.Method(),
			"latency_us", time.Since(start).Microseconds(),
		)
	}()

	if err == nil {
		return resp
	}
	if msg.IsNotification() {
		p.logger.Debug("notification rejected", "method", msg.Method(), "error", err)
		return nil
	}

	var blocked *proxy.BlockedError
	if errors.As(err, &blocked) {
		out, merr := mcp.NewResultResponse(msg.RawID(), mcp.ErrorResult(blocked.Text))
		if merr == nil {
			return out
		}
		err = merr
	}

	code := mcp.ErrCodeInternal
	if errors.Is(err, proxy.ErrInvalidToolCall) {
		code = mcp.ErrCodeInvalidParams
	}
	p.logger.Error("interceptor rejected message", "method", msg.Method(), "error", err)
	return mcp.NewErrorResponse(msg.RawID(), code, proxy.SafeErrorMessage(err))
}

// responseWriter serializes newline-delimited writes to the client.
type responseWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *responseWriter) write(msg *mcp.Message) error {
	if msg == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(msg.Raw, '\n')); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}
