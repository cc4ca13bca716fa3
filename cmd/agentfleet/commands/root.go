// Package commands implements the agentfleet CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentfleet",
		Short: "AgentFleet - hosted AI agents with wallets",
		Long: `AgentFleet hosts AI agent personas that chat over web, Telegram and
Discord, hold an on-chain wallet, and run scheduled instructions.

Examples:
  agentfleet serve
  agentfleet agent create --name Penny --provider openrouter --model meta-llama/llama-3.3-70b-instruct:free
  agentfleet pairing issue <agent-id>
  agentfleet cron add <agent-id> --label digest --schedule "0 9 * * 1-5" --instruction "Summarize my balance"
  agentfleet chat --agent <agent-id>`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newAgentCmd(),
		newPairingCmd(),
		newCronCmd(),
		newChatCmd(),
		newVerifyCmd(),
		newIdentityCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
