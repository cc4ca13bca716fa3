package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/scheduler"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// newCronCmd creates `agentfleet cron`.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled instructions",
		Long: `Manage the cron jobs of an agent. Schedules use five fields
(minute hour day-of-month month day-of-week) evaluated in the server's
local time; day-of-month and day-of-week must both match.

Examples:
  agentfleet cron list <agent-id>
  agentfleet cron add <agent-id> --label digest --schedule "0 9 * * 1-5" --instruction "Report my balance"
  agentfleet cron disable <job-id>`,
	}
	cmd.AddCommand(
		newCronListCmd(),
		newCronAddCmd(),
		newCronEnableCmd(true),
		newCronEnableCmd(false),
		newCronRemoveCmd(),
	)
	return cmd
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List an agent's cron jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.store.ListCronJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cron jobs.")
				return nil
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSCHEDULE\tENABLED\tLAST RUN\tNEXT RUN\tLAST RESULT")
			for _, j := range jobs {
				last := "-"
				if !j.LastRun.IsZero() {
					last = j.LastRun.Local().Format(time.DateTime)
				}
				next := "-"
				if j.Enabled {
					if t, err := scheduler.NextRun(j.Schedule, now); err == nil {
						next = t.Format(time.DateTime)
					} else {
						next = "invalid"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n", j.ID, j.Label, j.Schedule, j.Enabled,
					last, next, orDash(oneLine(j.LastResult, 60)))
			}
			return w.Flush()
		},
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <agent-id>",
		Short: "Add a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job := &store.CronJobDef{AgentID: args[0], Enabled: true}
			job.Label, _ = cmd.Flags().GetString("label")
			job.Schedule, _ = cmd.Flags().GetString("schedule")
			job.Instruction, _ = cmd.Flags().GetString("instruction")

			if err := scheduler.ValidateExpression(job.Schedule); err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.store.GetAgent(ctx, job.AgentID); err != nil {
				return err
			}
			if err := a.store.AddCronJob(ctx, job); err != nil {
				return err
			}
			next, _ := scheduler.NextRun(job.Schedule, time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "Cron job %s added. Next run: %s\n", job.ID, next.Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().String("label", "", "short name for the job")
	cmd.Flags().String("schedule", "", "five-field cron expression")
	cmd.Flags().String("instruction", "", "text the agent processes on each run")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func newCronEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable <job-id>", "Enable a cron job"
	if !enabled {
		use, short = "disable <job-id>", "Disable a cron job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetCronJobEnabled(cmd.Context(), "", args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cron job %s enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.DeleteCronJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cron job %s removed.\n", args[0])
			return nil
		},
	}
}
