package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

// newSecretCmd creates `agentfleet secret`, which keeps secrets in the OS
// keyring instead of the config file.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Store secrets in the OS keyring",
		Long: `Store secrets in the OS keyring. Keys follow the config layout, e.g.
ledger.master_seed, gateway.auth_token, provider.openrouter.api_key or
telegram.<agent id>.token. Keyring values win over environment variables.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key>",
			Short: "Store a secret (read from the terminal or stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, err := readSecret(fmt.Sprintf("Value for %s: ", args[0]))
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty secret")
				}
				if err := config.StoreKeyring(args[0], value); err != nil {
					return fmt.Errorf("storing %s in keyring: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.DeleteKeyring(args[0]); err != nil {
					return fmt.Errorf("deleting %s from keyring: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// readSecret prompts without echo on a terminal and reads one line
// otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
