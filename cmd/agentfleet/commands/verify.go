package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/identity"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/trust"
)

// newVerifyCmd creates `agentfleet verify`, which proves control of an
// agent's wallet to the trust service.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <agent-id>",
		Short: "Verify an agent's wallet with the trust service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Trust.BaseURL == "" {
				return fmt.Errorf("trust.base_url is not configured")
			}
			ctx := cmd.Context()
			agent, err := a.store.GetAgent(ctx, args[0])
			if err != nil {
				return err
			}
			eth, err := a.dialLedger(ctx)
			if err != nil {
				return err
			}
			defer eth.Close()

			client := trust.New(a.cfg.Trust, eth, a.store, a.logger)
			v, err := client.Verify(ctx, agent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch v.Status {
			case trust.StatusVerified:
				fmt.Fprintf(out, "Wallet %s of %s verified (%s).\n", agent.WalletAddress, agent.Name, v.ID)
			default:
				fmt.Fprintf(out, "Verification %s: %s %s\n", v.ID, v.Status, v.Reason)
			}
			return nil
		},
	}
}

// newIdentityCmd creates `agentfleet identity`.
func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Register agents with the identity registry",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "register <agent-id>",
			Short: "Register an agent's wallet with the registry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				if a.cfg.Identity.BaseURL == "" {
					return fmt.Errorf("identity.base_url is not configured")
				}

				agent, err := a.store.GetAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rec, err := identity.New(a.cfg.Identity, a.store, a.logger).Register(cmd.Context(), agent)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s.\n", agent.Name, rec.RegistryID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "lookup <address>",
			Short: "Show the registry entry and reputation of an address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				if cfg.Identity.BaseURL == "" {
					return fmt.Errorf("identity.base_url is not configured")
				}
				rec, err := identity.New(cfg.Identity, nil, nil).Lookup(cmd.Context(), args[0])
				if errors.Is(err, identity.ErrNotRegistered) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not registered.\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n  category:   %s\n  reputation: %.2f from %d reviews\n  registered: %s\n",
					rec.Name, rec.RegistryID, rec.Category, rec.Reputation, rec.FeedbackCount,
					rec.RegisteredAt.Local().Format(time.DateTime))
				return nil
			},
		},
	)
	return cmd
}
