package cmd

import (
	"fmt"
	"log/slog"

	approvaladapter "github.com/latch-dev/latch/internal/adapter/inbound/approval"
	auditstore "github.com/latch-dev/latch/internal/adapter/outbound/audit"
	"github.com/latch-dev/latch/internal/adapter/outbound/state"
	"github.com/latch-dev/latch/internal/config"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/runtime"
	"github.com/latch-dev/latch/internal/service"
)

// openAuditStore opens the configured audit backend.
func openAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		return auditstore.NewSQLiteStore(cfg.Dir, logger)
	case "jsonl":
		return auditstore.NewFileStore(cfg.Dir, logger)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

// newAuditService attributes entries to the detected agent.
func newAuditService(a *app, store audit.Store, mode audit.Mode, metrics service.MetricsRecorder) *service.AuditService {
	identity := runtime.Detect(runtime.SystemProbe{})
	a.logger.Debug("agent detected", "id", identity.ID, "client", identity.Client)

	return service.NewAuditService(store, a.logger,
		service.WithIdentity(identity),
		service.WithMode(mode),
		service.WithRedaction(a.cfg.Audit.Redact),
		service.WithAuditMetrics(metrics),
	)
}

func newCredentialStore(a *app) *state.CredentialStore {
	return state.NewCredentialStore(a.cfg.Dir, a.logger)
}

func newApprovalServer(a *app) (*approvaladapter.Server, error) {
	return approvaladapter.NewServer(newCredentialStore(a), a.logger,
		approvaladapter.WithTimeout(a.cfg.ApprovalTimeout()),
		approvaladapter.WithListenAddr(a.cfg.Approval.ListenAddr),
	)
}
