// Package approval serves the single-use localhost pages where a human
// approves or denies a tool call, optionally proving presence with a
// passkey, and the enrollment page that registers that passkey.
package approval

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/credential"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// DefaultListenAddr binds an OS-assigned loopback port.
const DefaultListenAddr = "127.0.0.1:0"

// shutdownGrace bounds how long teardown waits for in-flight responses.
const shutdownGrace = 5 * time.Second

// Server implements approval.Approver. Every request gets its own
// listener, which is closed before RequestApproval returns.
type Server struct {
	credentials credential.Store
	verifier    Verifier
	opener      BrowserOpener
	timeout     time.Duration
	listenAddr  string
	tmpl        *template.Template
	logger      *slog.Logger
}

var _ approval.Approver = (*Server)(nil)

// Option configures Server.
type Option func(*Server)

// WithVerifier replaces the go-webauthn verifier.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithOpener replaces the system browser opener.
func WithOpener(o BrowserOpener) Option {
	return func(s *Server) { s.opener = o }
}

// WithTimeout denies approvals left undecided for d. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithListenAddr overrides DefaultListenAddr.
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

// NewServer builds an approval server backed by creds.
func NewServer(creds credential.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse approval templates: %w", err)
	}
	s := &Server{
		credentials: creds,
		verifier:    NewWebAuthn(),
		opener:      SystemOpener{},
		listenAddr:  DefaultListenAddr,
		tmpl:        tmpl,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestApproval opens the approval page for req and blocks until it is
// decided, the timeout elapses, or ctx ends.
func (s *Server) RequestApproval(ctx context.Context, req approval.Request) (approval.Outcome, error) {
	p := approval.NewPending(req)

	l, err := listen(s.listenAddr, s.logger)
	if err != nil {
		return approval.Outcome{}, err
	}
	h := &approvalHandler{
		pending:  p,
		origin:   l.origin,
		server:   s,
		template: s.tmpl,
	}
	stop := l.serve(h.routes())

	url := fmt.Sprintf("%s/approval/%s", l.origin, p.ID)
	s.logger.Info("approval required", "tool", req.ToolName, "webauthn", req.RequireWebAuthn, "url", url)
	if err := s.opener.Open(url); err != nil {
		s.logger.Warn("failed to open browser, visit the approval URL manually", "url", url, "error", err)
	}

	outcome, waitErr := p.Wait(ctx, s.timeout)
	stop()
	s.logger.Info("approval resolved", "tool", req.ToolName, "approved", outcome.Approved, "reason", outcome.Reason)
	return outcome, waitErr
}

// listener is one ephemeral loopback HTTP server.
type listener struct {
	ln     net.Listener
	origin string
	logger *slog.Logger
}

func listen(addr string, logger *slog.Logger) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start approval listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return &listener{
		ln:     ln,
		origin: fmt.Sprintf("http://%s:%d", RPID, port),
		logger: logger,
	}, nil
}

// serve starts handling requests and returns a function that shuts the
// server down and waits for the serve loop to exit.
func (l *listener) serve(h http.Handler) func() {
	srv := &http.Server{
		Handler:           securityHeaders(localhostOnly(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l.ln) }()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
		if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Warn("approval listener stopped with error", "error", err)
		}
	}
}
