package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/ledger"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/runtime"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// newAgentCmd creates `agentfleet agent`.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long: `Create agents, change their lifecycle status, initialize their wallet
and inspect their transactions and activity.

Examples:
  agentfleet agent create --name Penny --category payments --spending-limit 100
  agentfleet agent init-wallet <id>
  agentfleet agent status <id> active
  agentfleet agent transactions <id>`,
	}
	cmd.AddCommand(
		newAgentCreateCmd(),
		newAgentListCmd(),
		newAgentShowCmd(),
		newAgentStatusCmd(),
		newAgentInitWalletCmd(),
		newAgentTransactionsCmd(),
		newAgentActivityCmd(),
	)
	return cmd
}

func newAgentCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent in draft status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			agent := &store.Agent{}
			agent.Name, _ = cmd.Flags().GetString("name")
			agent.Category, _ = cmd.Flags().GetString("category")
			agent.Provider, _ = cmd.Flags().GetString("provider")
			agent.Model, _ = cmd.Flags().GetString("model")
			agent.SystemPrompt, _ = cmd.Flags().GetString("prompt")
			agent.SpendingLimit, _ = cmd.Flags().GetFloat64("spending-limit")

			if !validCategory(agent.Category) {
				return fmt.Errorf("unknown category %q (want one of %s)", agent.Category, strings.Join(runtime.Categories(), ", "))
			}
			if agent.SpendingLimit < 0 {
				return fmt.Errorf("spending limit must not be negative")
			}
			if err := a.store.CreateAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s created (%s).\n", agent.Name, agent.ID)
			return nil
		},
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("category", "assistant", "persona category")
	cmd.Flags().String("provider", "openrouter", "model provider")
	cmd.Flags().String("model", "", "model identifier")
	cmd.Flags().String("prompt", "", "persona system prompt")
	cmd.Flags().Float64("spending-limit", 0, "spending allowance in the accounting currency")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func validCategory(c string) bool {
	for _, known := range runtime.Categories() {
		if c == known {
			return true
		}
	}
	return false
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var status store.AgentStatus
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				if status, err = store.ParseAgentStatus(s); err != nil {
					return err
				}
			}
			agents, err := a.store.ListAgents(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTATUS\tWALLET\tSPENT")
			for _, ag := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%g/%g %s\n", ag.ID, ag.Name, ag.Category, ag.Status,
					orDash(ag.WalletAddress), ag.SpendingUsed, ag.SpendingLimit, a.cfg.Accounting.Currency)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "only agents in this status")
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent with its bindings and cron jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return showAgent(cmd.Context(), cmd.OutOrStdout(), a.store, args[0], a.cfg.Accounting.Currency)
		},
	}
}

func showAgent(ctx context.Context, out io.Writer, st *store.Store, id, currency string) error {
	ag, err := st.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	bindings, err := st.ListBindings(ctx, id)
	if err != nil {
		return err
	}
	jobs, err := st.ListCronJobs(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s)\n", ag.Name, ag.ID)
	fmt.Fprintf(out, "  category:  %s\n", ag.Category)
	fmt.Fprintf(out, "  status:    %s\n", ag.Status)
	fmt.Fprintf(out, "  model:     %s/%s\n", orDash(ag.Provider), orDash(ag.Model))
	fmt.Fprintf(out, "  wallet:    %s\n", orDash(ag.WalletAddress))
	fmt.Fprintf(out, "  spending:  %g of %g %s (remaining %g)\n", ag.SpendingUsed, ag.SpendingLimit, currency, ag.RemainingAllowance())
	if len(ag.Tokens) > 0 {
		fmt.Fprintf(out, "  tokens:    %s\n", strings.Join(ag.Tokens, ", "))
	}

	fmt.Fprintf(out, "  bindings:  %d\n", len(bindings))
	for _, b := range bindings {
		state := "inactive"
		if b.Active {
			state = "active"
		}
		fmt.Fprintf(out, "    - %s %s (%s, %s, last message %s)\n", b.ChannelType, b.SenderID, b.Kind, state,
			b.LastMessageAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  cron jobs: %d\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(out, "    - %s %q %q enabled=%t\n", j.ID, j.Label, j.Schedule, j.Enabled)
	}
	return nil
}

func newAgentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <draft|deploying|active|paused|stopped>",
		Short: "Change an agent's lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := store.ParseAgentStatus(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ag, err := a.store.GetAgent(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetAgentStatus(ctx, ag.ID, status); err != nil {
				return err
			}
			_ = a.store.LogActivity(ctx, ag.ID, store.ActivityStatusChanged,
				fmt.Sprintf("status changed from %s to %s", ag.Status, status),
				map[string]any{"from": string(ag.Status), "to": string(status)})
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s is now %s.\n", ag.Name, status)
			return nil
		},
	}
}

func newAgentInitWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-wallet <id>",
		Short: "Derive and record the agent's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			eth, err := a.dialLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer eth.Close()

			ag, err := initWallet(cmd.Context(), a.store, eth, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet of %s: %s (index %d)\n", ag.Name, ag.WalletAddress, ag.WalletIndex)
			return nil
		},
	}
}

// walletDeriver is the part of the ledger wallet initialization needs.
type walletDeriver interface {
	DeriveAddress(index int) (string, error)
}

var _ walletDeriver = (ledger.Ledger)(nil)

// initWallet assigns the next free derivation index to an agent and
// records the derived address.
func initWallet(ctx context.Context, st *store.Store, l walletDeriver, agentID string) (*store.Agent, error) {
	ag, err := st.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if ag.HasWallet() {
		return nil, fmt.Errorf("agent %s already has wallet %s", ag.ID, ag.WalletAddress)
	}
	index, err := st.NextWalletIndex(ctx)
	if err != nil {
		return nil, err
	}
	address, err := l.DeriveAddress(index)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}
	if err := st.SetWallet(ctx, ag.ID, address, index); err != nil {
		return nil, err
	}
	_ = st.LogActivity(ctx, ag.ID, store.ActivityWalletCreated, "wallet created",
		map[string]any{"address": address, "index": index})
	return st.GetAgent(ctx, ag.ID)
}

func newAgentTransactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions <id>",
		Short: "List an agent's transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			txs, err := a.store.ListTransactions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSTATUS\tAMOUNT\tTO\tHASH\tERROR")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Status,
					tx.Amount, tx.Currency, tx.Recipient, orDash(tx.Hash), orDash(tx.Error))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of transactions")
	return cmd
}

func newAgentActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity <id>",
		Short: "Show an agent's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := a.store.ListActivity(cmd.Context(), args[0], kind, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, oneLine(e.Message, 100))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("kind", "", "only entries of this kind")
	cmd.Flags().Int("limit", 50, "maximum number of entries")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}

