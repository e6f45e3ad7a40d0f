package service

import (
	"context"
	"log/slog"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/runtime"
)

// AuditService records decisions. Writes are synchronous, one entry per
// store write, and best-effort: a failed write is logged and counted but
// never changes the decision being recorded.
type AuditService struct {
	store    audit.Store
	identity runtime.Identity
	mode     audit.Mode
	redact   bool
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithIdentity attributes every entry to id.
func WithIdentity(id runtime.Identity) AuditOption {
	return func(s *AuditService) { s.identity = id }
}

// WithMode stamps every entry with the front-end mode.
func WithMode(m audit.Mode) AuditOption {
	return func(s *AuditService) { s.mode = m }
}

// WithRedaction masks sensitive-looking tool arguments before writing.
func WithRedaction(enabled bool) AuditOption {
	return func(s *AuditService) { s.redact = enabled }
}

// WithAuditMetrics reports decisions and write failures to r.
func WithAuditMetrics(r MetricsRecorder) AuditOption {
	return func(s *AuditService) { s.metrics = r }
}

// NewAuditService wraps store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:   store,
		metrics: NopMetrics{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record fills attribution fields and appends e. It never returns an
// error.
func (s *AuditService) Record(ctx context.Context, e audit.Entry) {
	if e.AgentID == "" {
		e.AgentID = s.identity.ID
	}
	if e.AgentClient == "" && s.identity.Client != "" {
		e.AgentClient = string(s.identity.Client)
	}
	if e.Mode == "" {
		e.Mode = s.mode
	}
	if s.redact {
		e.ToolInput = audit.RedactSensitiveArgs(e.ToolInput)
	}

	s.metrics.RecordDecision(e.Action, e.Decision, e.Method)

	if err := s.store.Append(ctx, e); err != nil {
		s.metrics.RecordAuditFailure()
		s.logger.Error("failed to write audit entry",
			"tool", e.ToolName, "decision", e.Decision, "error", err)
	}
}

// Read pages through the trail, newest first.
func (s *AuditService) Read(ctx context.Context, opts audit.ReadOptions) ([]audit.Entry, error) {
	return s.store.Read(ctx, opts)
}

// Stats aggregates the trail.
func (s *AuditService) Stats(ctx context.Context) (audit.Stats, error) {
	return s.store.Stats(ctx)
}
