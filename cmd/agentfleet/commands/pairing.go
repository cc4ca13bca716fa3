package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/router"
)

// newPairingCmd creates `agentfleet pairing`.
func newPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing codes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <agent-id>",
		Short: "Issue a pairing code for an agent",
		Long: `Issue a pairing code. A sender on any channel connects to the agent by
sending the code (or "/pair CODE") until it expires.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rt := router.New(a.store, a.cfg.Pairing, a.logger)
			p, err := rt.IssuePairingCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pairing code %s (valid until %s)\n",
				p.Code, p.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	})
	return cmd
}
