package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpadapter "github.com/latch-dev/latch/internal/adapter/inbound/http"
	"github.com/latch-dev/latch/internal/adapter/inbound/stdio"
	mcpclient "github.com/latch-dev/latch/internal/adapter/outbound/mcp"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/domain/proxy"
	"github.com/latch-dev/latch/internal/port/outbound"
	"github.com/latch-dev/latch/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP gateway over stdio",
	Long: `Run latch as an MCP server on stdin/stdout.

Every server in servers.yaml is launched and its tools are exposed as
<alias>__<tool>. Each tools/call is checked against policy.yaml before it
is forwarded; browser and webauthn rules open an approval page and wait.

Send SIGHUP to reload policy.yaml without restarting.

Example MCP client entry:
  {"command": "latch", "args": ["serve"]}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	logger := a.logger

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	if _, err := a.store.LoadPolicy(); err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	servers, err := a.store.Servers()
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := httpadapter.NewMetrics(reg)

	auditStore, err := openAuditStore(a.cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer func() { _ = auditStore.Close() }()
	auditService := newAuditService(a, auditStore, audit.ModeMCP, metrics)

	approver, err := newApprovalServer(a)
	if err != nil {
		return err
	}

	manager := service.NewDownstreamManager(
		func(cfg downstream.ServerConfig) outbound.ToolClient {
			return mcpclient.NewClient(cfg, logger, mcpclient.WithStderr(os.Stderr))
		},
		logger,
		service.WithConnectTimeout(a.cfg.ConnectTimeout()),
		service.WithDownstreamMetrics(metrics),
	)
	if len(servers) == 0 {
		logger.Warn("no downstream servers configured, serving an empty tool list", "path", a.store.ServersPath())
	}
	if err := manager.ConnectAll(ctx, servers); err != nil {
		manager.CloseAll()
		return err
	}
	defer manager.CloseAll()

	if a.cfg.Metrics.Addr != "" {
		metricsServer := httpadapter.NewServer(a.cfg.Metrics.Addr, reg, httpadapter.NewHealthChecker(manager, Version), logger)
		if err := metricsServer.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = metricsServer.Close() }()
	}

	go reloadOnSignal(ctx, a)

	// Audit -> Policy -> Approval -> Downstream
	chain := proxy.NewAuditInterceptor(auditService,
		proxy.NewPolicyInterceptor(a.store,
			proxy.NewApprovalInterceptor(approver,
				proxy.NewDownstreamRouter(manager, logger),
				logger),
			logger),
		logger)

	transport := stdio.NewStdioTransport(service.NewProxyService(chain, logger))
	logger.Info("latch gateway started", "servers", len(servers), "dir", a.cfg.Dir)

	if err := transport.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("latch gateway stopped")
	return nil
}

// reloadOnSignal re-reads the policy whenever a reload signal arrives.
func reloadOnSignal(ctx context.Context, a *app) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			changes, err := a.store.Reload()
			if err != nil {
				a.logger.Error("reload failed, keeping previous policy", "error", err)
				continue
			}
			if changes.Servers {
				a.logger.Warn("servers.yaml changed; restart latch serve to reconnect downstream servers")
			}
		}
	}
}
