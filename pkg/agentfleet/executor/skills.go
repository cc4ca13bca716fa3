package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/scheduler"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// ExecuteSkills runs the CHECK_BALANCE, SCHEDULE_TASK and CANCEL_TASK tags
// of text and returns the rewritten text and how many tags were handled.
func (e *Executor) ExecuteSkills(ctx context.Context, agent *store.Agent, text string) (string, int) {
	cmds := filter(Parse(text), ActionCheckBalance, ActionScheduleTask, ActionCancelTask)
	if len(cmds) == 0 {
		return text, 0
	}

	repl := make([]string, len(cmds))
	for i, c := range cmds {
		var (
			reply string
			err   error
		)
		switch {
		case c.Malformed:
			err = malformed(c)
		case c.Action == ActionCheckBalance:
			reply, err = e.checkBalance(ctx, agent)
		case c.Action == ActionScheduleTask:
			reply, err = e.scheduleTask(ctx, agent, c.Args[0], c.Args[1], c.Args[2])
		case c.Action == ActionCancelTask:
			reply, err = e.cancelTask(ctx, agent, c.Args[0])
		}

		meta := map[string]any{"action": c.Action}
		if err != nil {
			repl[i] = fmt.Sprintf("[%s failed: %v]", c.Action, err)
			meta["error"] = err.Error()
			e.logger.Warn("skill command failed", "agent", agent.ID, "action", c.Action, "error", err)
		} else {
			repl[i] = "[" + reply + "]"
		}
		_ = e.store.LogActivity(context.WithoutCancel(ctx), agent.ID, store.ActivitySkill,
			fmt.Sprintf("Skill %s", c.Action), meta)
	}
	return rewrite(text, cmds, repl), len(cmds)
}

func (e *Executor) checkBalance(ctx context.Context, agent *store.Agent) (string, error) {
	if !agent.HasWallet() {
		return "", ErrWalletNotInitialized
	}
	bal, err := e.ledger.GetBalance(ctx, agent.WalletAddress)
	if err != nil {
		return "", fmt.Errorf("could not read wallet balance: %w", err)
	}
	parts := []string{formatAmount(bal.Native) + " " + e.registry.Native()}
	for _, t := range bal.Tokens {
		parts = append(parts, formatAmount(t.Amount)+" "+t.Symbol)
	}
	return fmt.Sprintf("Balance of %s: %s. Remaining allowance: %s %s",
		agent.WalletAddress, strings.Join(parts, ", "),
		formatAmount(agent.RemainingAllowance()), e.opts.AccountingCurrency), nil
}

func (e *Executor) scheduleTask(ctx context.Context, agent *store.Agent, expr, label, instruction string) (string, error) {
	if err := scheduler.ValidateExpression(expr); err != nil {
		return "", err
	}
	if instruction == "" {
		return "", errors.New("instruction is empty")
	}
	job := &store.CronJobDef{
		AgentID:     agent.ID,
		Label:       label,
		Schedule:    strings.Join(strings.Fields(expr), " "),
		Instruction: instruction,
		Enabled:     true,
	}
	if err := e.store.AddCronJob(ctx, job); err != nil {
		return "", err
	}
	reply := fmt.Sprintf("Scheduled task %q (id %s) with %q", label, job.ID, job.Schedule)
	if next, err := scheduler.NextRun(job.Schedule, e.now()); err == nil {
		reply += ". Next run: " + next.Format(time.RFC1123)
	}
	return reply, nil
}

func (e *Executor) cancelTask(ctx context.Context, agent *store.Agent, id string) (string, error) {
	if err := e.store.SetCronJobEnabled(ctx, agent.ID, id, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("task %s not found", id)
		}
		return "", err
	}
	return fmt.Sprintf("Cancelled task %s", id), nil
}
