package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/latch-dev/latch/internal/domain/approval"
	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
	"github.com/latch-dev/latch/internal/domain/proxy"
	"github.com/latch-dev/latch/internal/service"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "PreToolUse hook handler",
	Long: `Decide one PreToolUse event read from stdin and print the decision.

Register it as a PreToolUse hook command in the agent settings. The hook
always exits 0; internal errors resolve to allow (fail-open) and are
recorded in the audit trail.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

// hookDebugf appends a line to the file named by LATCH_HOOK_DEBUG, if set.
func hookDebugf(format string, args ...interface{}) {
	debugFile := os.Getenv("LATCH_HOOK_DEBUG")
	if debugFile == "" {
		return
	}
	f, err := os.OpenFile(debugFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, format+"\n", args...)
}

// unavailablePolicy reports why the gateway could not start, so the hook
// fails open through the normal path.
type unavailablePolicy struct{ err error }

func (u unavailablePolicy) LoadPolicy() (*policy.Engine, error) { return nil, u.err }

// unavailableApprover fails every approval with err.
type unavailableApprover struct{ err error }

func (u unavailableApprover) RequestApproval(context.Context, approval.Request) (approval.Outcome, error) {
	return approval.Outcome{}, u.err
}

type discardRecorder struct{}

func (discardRecorder) Record(context.Context, audit.Entry) {}

func runHook(cmd *cobra.Command, _ []string) error {
	input, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		hookDebugf("read stdin: %v", err)
		input = nil
	}
	hookDebugf("hook invoked: %d bytes", len(input))

	hook, cleanup := buildHookService()
	defer cleanup()

	out := hook.Decide(cmd.Context(), input)
	if out == nil {
		hookDebugf("not a tool event, no output")
		return nil
	}
	hookDebugf("decision=%s reason=%s", out.HookSpecificOutput.PermissionDecision, out.HookSpecificOutput.PermissionDecisionReason)

	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	_, _ = cmd.OutOrStdout().Write(data)
	return nil
}

// buildHookService wires the hook. Any setup failure still yields a
// service, one whose every decision fails open with the setup error.
func buildHookService() (*service.HookService, func()) {
	a, err := loadApp()
	if err != nil {
		hookDebugf("setup failed: %v", err)
		return service.NewHookService(unavailablePolicy{err}, unavailableApprover{err}, discardRecorder{}, silentLogger()), func() {}
	}

	var recorder proxy.AuditRecorder = discardRecorder{}
	cleanup := func() {}
	if store, err := openAuditStore(a.cfg, a.logger); err != nil {
		a.logger.Error("audit trail unavailable", "error", err)
	} else {
		recorder = newAuditService(a, store, audit.ModeHook, service.NopMetrics{})
		cleanup = func() { _ = store.Close() }
	}

	var approver approval.Approver
	if srv, err := newApprovalServer(a); err != nil {
		approver = unavailableApprover{err}
	} else {
		approver = srv
	}
	return service.NewHookService(a.store, approver, recorder, a.logger), cleanup
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
