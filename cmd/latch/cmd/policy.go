package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/latch-dev/latch/internal/domain/policy"
)

var (
	policyInput      string
	policyResetForce bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and test the policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [tool-name]",
	Short: "Validate policy.yaml and optionally evaluate a tool call",
	Long: `Validate policy.yaml. With a tool name, also print the action the
policy assigns to that call.

Examples:
  latch policy check
  latch policy check Bash --input '{"command":"rm -rf build"}'
  latch policy check fs__write_file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyCheck,
}

var policyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite policy.yaml with the default policy",
	Long: `Replace policy.yaml with the built-in default policy: ask before Bash
and file edits, allow everything else. Comments in the current file are
lost.

Examples:
  latch policy reset
  latch policy reset --force`,
	Args: cobra.NoArgs,
	RunE: runPolicyReset,
}

func init() {
	policyCheckCmd.Flags().StringVar(&policyInput, "input", "", "tool arguments as a JSON object")
	policyCmd.AddCommand(policyCheckCmd)
	policyResetCmd.Flags().BoolVar(&policyResetForce, "force", false, "Skip confirmation prompt")
	policyCmd.AddCommand(policyResetCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	engine, err := a.store.LoadPolicy()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "%s is valid (%d rules, default %s)\n", a.store.PolicyPath(), len(engine.Config().Rules), engine.Config().DefaultAction)

	if len(args) == 0 {
		return nil
	}
	input := map[string]any{}
	if policyInput != "" {
		if err := json.Unmarshal([]byte(policyInput), &input); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
	}

	res := engine.Evaluate(args[0], input)
	actionColor(res.Action).Fprintf(out, "%s", res.Action)
	fmt.Fprintf(out, "  %s\n", res.Reason)
	return nil
}

func runPolicyReset(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !policyResetForce {
		fmt.Fprintf(out, "%s will be replaced with the default policy.\nProceed? [y/N] ", a.store.PolicyPath())
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := policy.DefaultConfig()
	if err := a.store.SavePolicy(cfg); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	fmt.Fprintf(out, "Wrote default policy to %s (%d rules, default %s)\n",
		a.store.PolicyPath(), len(cfg.Rules), cfg.DefaultAction)
	return nil
}

func actionColor(a policy.Action) *color.Color {
	switch a {
	case policy.ActionAllow:
		return color.New(color.FgGreen)
	case policy.ActionDeny:
		return color.New(color.FgRed)
	case policy.ActionAsk:
		return color.New(color.FgYellow)
	case policy.ActionBrowser, policy.ActionWebAuthn:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}
