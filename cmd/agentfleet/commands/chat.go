package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
)

// newChatCmd creates `agentfleet chat`, a local conversation with an agent
// through the same pipeline as the channels.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to an agent from the terminal",
		Long: `Send one message, or start an interactive session when no message is
given. Without --agent the session behaves like an unknown web sender and
must pair with a code first.

Examples:
  agentfleet chat --agent <id> "What is my balance?"
  agentfleet chat --agent <id>
  echo "AB12CD" | agentfleet chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().String("agent", "", "talk to this agent directly")
	cmd.Flags().String("sender", "", "sender identifier (default: cli:<user>)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.buildServices(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	agentID, _ := cmd.Flags().GetString("agent")
	sender, _ := cmd.Flags().GetString("sender")
	if sender == "" {
		sender = "cli:" + currentUser()
	}

	send := func(ctx context.Context, text string) (string, error) {
		return svc.runtime.HandleInbound(ctx, &channels.Inbound{
			ChannelType: channels.TypeWeb,
			SenderID:    sender,
			SenderName:  currentUser(),
			ChatID:      sender,
			Text:        text,
			AgentID:     agentID,
			ReceivedAt:  time.Now().UTC(),
		})
	}

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		reply, err := send(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
		return nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return chatLines(cmd.Context(), os.Stdin, out, send)
	}
	return chatInteractive(cmd.Context(), out, send)
}

type sendFunc func(ctx context.Context, text string) (string, error)

// chatLines answers each non-empty line of r.
func chatLines(ctx context.Context, r io.Reader, out io.Writer, send sendFunc) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, err := send(ctx, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
	}
	return sc.Err()
}

func chatInteractive(ctx context.Context, out io.Writer, send sendFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".agentfleet_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(out, "Interactive mode. Type exit or press Ctrl+D to leave.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := send(ctx, input)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\nagent> %s\n\n", reply)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}
