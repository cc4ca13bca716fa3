package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels/discord"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels/telegram"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/gateway"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/scheduler"
)

// newServeCmd creates `agentfleet serve`, which runs the host.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, bots and scheduler",
		Long: `Start AgentFleet: the HTTP gateway (web chat and Telegram webhooks,
admin API), the dedicated Telegram and Discord bots, and the cron scheduler.

Examples:
  agentfleet serve
  agentfleet serve --config ./config.yaml --verbose
  agentfleet serve --no-bots`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-bots", false, "do not start Telegram and Discord bots")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := a.buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	agents := svc.runtime

	// ── Scheduler ──
	sched := scheduler.New(a.store, agents.RunJob, cfg.Scheduler, logger)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	// ── Bots ──
	publicURL := ""
	if cfg.Gateway.Enabled {
		publicURL = cfg.Gateway.PublicURL
	}
	manager := channels.NewManager(logger)
	var bots []*telegram.Telegram
	if noBots, _ := cmd.Flags().GetBool("no-bots"); !noBots {
		for _, bc := range cfg.Channels.Telegram.Bots {
			tg, err := telegram.New(bc, publicURL, logger)
			if err != nil {
				logger.Error("failed to create Telegram bot", "agent", bc.AgentID, "error", err)
				continue
			}
			if err := manager.Register(tg); err != nil {
				logger.Error("failed to register Telegram bot", "agent", bc.AgentID, "error", err)
				continue
			}
			bots = append(bots, tg)
		}
		for _, bc := range cfg.Channels.Discord.Bots {
			if err := manager.Register(discord.New(bc, logger)); err != nil {
				logger.Error("failed to register Discord bot", "agent", bc.AgentID, "error", err)
			}
		}
	}
	if err := manager.Start(ctx); err != nil {
		logger.Warn("channels started with warnings", "error", err)
	}
	go manager.Serve(ctx, agents.HandleInbound)

	// ── Gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, gateway.Deps{
			Inbound:   agents,
			Pairing:   svc.router,
			Scheduler: sched,
			Channels:  manager,
			Database:  a.db,
		}, logger)
		for _, tg := range bots {
			gw.RegisterTelegramBot(tg.AgentID(), tg)
		}
		if err := gw.Start(ctx); err != nil {
			manager.Stop()
			return fmt.Errorf("gateway: %w", err)
		}
	}

	logger.Info("AgentFleet running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"chain_id", cfg.Ledger.ChainID,
		"scheduler", cfg.Scheduler.Enabled,
		"gateway", cfg.Gateway.Enabled)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if gw != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancel()
		}
		sched.Stop()
		manager.Stop()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
