package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/latch-dev/latch/internal/domain/audit"
)

var (
	auditLimit  int
	auditOffset int
	auditJSON   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent decisions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		store, err := openAuditStore(a.cfg, a.logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		entries, err := store.Read(cmd.Context(), audit.ReadOptions{Limit: auditLimit, Offset: auditOffset})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if auditJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No audit entries.")
			return nil
		}
		for _, e := range entries {
			printEntry(out, e)
		}
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit trail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		store, err := openAuditStore(a.cfg, a.logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if auditJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		printStats(out, stats)
		return nil
	},
}

func init() {
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", audit.DefaultReadLimit, "maximum number of entries")
	auditListCmd.Flags().IntVar(&auditOffset, "offset", 0, "skip this many of the newest entries")
	auditCmd.PersistentFlags().BoolVar(&auditJSON, "json", false, "print JSON")
	auditCmd.AddCommand(auditListCmd, auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}

func decisionColor(d audit.Decision) *color.Color {
	switch d {
	case audit.DecisionAllow:
		return color.New(color.FgGreen)
	case audit.DecisionDeny:
		return color.New(color.FgRed)
	case audit.DecisionAsk:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

func printEntry(w io.Writer, e audit.Entry) {
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	gray.Fprintf(w, "%s ", e.Timestamp.Local().Format(time.DateTime))
	decisionColor(e.Decision).Fprintf(w, "%-5s ", e.Decision)
	cyan.Fprint(w, e.ToolName)
	gray.Fprintf(w, " [%s", e.Method)
	if e.Mode != "" {
		gray.Fprintf(w, ", %s", e.Mode)
	}
	if e.AgentID != "" {
		gray.Fprintf(w, ", %s", e.AgentID)
	}
	gray.Fprint(w, "]")
	fmt.Fprintf(w, "  %s\n", e.Reason)
}

func printStats(w io.Writer, s audit.Stats) {
	fmt.Fprintf(w, "Total:     %d\n", s.Total)
	color.New(color.FgGreen).Fprintf(w, "Allowed:   %d\n", s.Approvals)
	color.New(color.FgRed).Fprintf(w, "Denied:    %d\n", s.Denials)
	color.New(color.FgYellow).Fprintf(w, "Asked:     %d\n", s.Asks)

	if len(s.ByTool) == 0 {
		return
	}
	tools := make([]string, 0, len(s.ByTool))
	for t := range s.ByTool {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool {
		if s.ByTool[tools[i]] != s.ByTool[tools[j]] {
			return s.ByTool[tools[i]] > s.ByTool[tools[j]]
		}
		return tools[i] < tools[j]
	})

	fmt.Fprintln(w, "\nBy tool:")
	for _, t := range tools {
		fmt.Fprintf(w, "  %-32s %d\n", t, s.ByTool[t])
	}
}
