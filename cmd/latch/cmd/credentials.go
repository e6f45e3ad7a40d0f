package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/latch-dev/latch/internal/domain/credential"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage enrolled passkeys",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled passkeys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		creds, err := newCredentialStore(a).List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(creds) == 0 {
			fmt.Fprintln(out, "No credentials enrolled. Run: latch enroll")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCOUNTER\tTRANSPORTS\tCREATED")
		for _, c := range creds {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.CredentialID, c.Counter, strings.Join(c.Transports, ","), c.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <credential-id>",
	Short: "Remove an enrolled passkey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if err := newCredentialStore(a).Delete(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				return fmt.Errorf("no credential with id %q", args[0])
			}
			return err
		}
		color.New(color.FgYellow).Fprint(cmd.OutOrStdout(), "✗ ")
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted credential %s\n", args[0])
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd, credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}
