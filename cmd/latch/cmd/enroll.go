package cmd

import (
	"fmt"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	approvaladapter "github.com/latch-dev/latch/internal/adapter/inbound/approval"
)

var enrollTimeout time.Duration

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Register a passkey for webauthn approvals",
	Long: `Open a local enrollment page and register a passkey (Touch ID,
Windows Hello, a security key, ...). The credential is stored in
credentials.json and is required by rules with action: webauthn.

Run it again to enroll additional authenticators.`,
	Args: cobra.NoArgs,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().DurationVar(&enrollTimeout, "timeout", 5*time.Minute, "how long to wait for the ceremony")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	enroller, err := approvaladapter.NewEnroller(newCredentialStore(a), a.logger,
		approvaladapter.WithEnrollTimeout(enrollTimeout))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Opening the enrollment page in your browser...")

	cred, err := enroller.Enroll(ctx)
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "Passkey enrolled: %s\n", cred.CredentialID)
	return nil
}
