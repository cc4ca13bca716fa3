package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/database"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/executor"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/ledger"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/modelgw"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/router"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/runtime"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// app bundles what most commands need: configuration, logger and store.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	db         *database.Database
	store      *store.Store
}

// openApp loads the configuration and opens the database.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stderr)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	st := store.New(db.DB, logger, store.WithMaxMessages(cfg.Sessions.MaxMessages))
	return &app{cfg: cfg, configPath: path, logger: logger, db: db, store: st}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}

// dialLedger connects the chain adapter described by the configuration.
func (a *app) dialLedger(ctx context.Context) (*ledger.EthLedger, error) {
	registry, err := ledger.NewRegistry(a.cfg.Ledger.NativeSymbol, a.cfg.Ledger.Tokens)
	if err != nil {
		return nil, err
	}
	return ledger.Dial(ctx, a.cfg.Ledger, registry, a.logger)
}

// services is the message pipeline: ledger, router, model client,
// executor and runtime.
type services struct {
	ledger   *ledger.EthLedger
	router   *router.Router
	models   *modelgw.Client
	executor *executor.Executor
	runtime  *runtime.Runtime
}

func (s *services) Close() { s.ledger.Close() }

// buildServices wires the pipeline over the app's store.
func (a *app) buildServices(ctx context.Context) (*services, error) {
	eth, err := a.dialLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	cfg := a.cfg
	registry := eth.Registry()

	s := &services{ledger: eth}
	s.models = modelgw.NewClient(cfg.Providers, a.logger)
	s.router = router.New(a.store, cfg.Pairing, a.logger)
	s.executor = executor.New(a.store, eth, registry, ledger.NewStaticRates(cfg.Accounting.Rates),
		executor.OptionsFromConfig(*cfg), a.logger)
	s.runtime = runtime.New(a.store, s.router, s.models, s.models, s.executor, runtime.Options{
		PromptHistory: cfg.Sessions.PromptHistory,
		Prompt: runtime.PromptContext{
			NativeSymbol:       registry.Native(),
			TokenSymbols:       registry.Symbols(),
			AccountingCurrency: cfg.Accounting.Currency,
		},
	}, a.logger)
	return s, nil
}

// resolveConfig loads the file given by --config, else the first file
// found in the standard locations, else the defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	cfg, err := config.Parse(nil)
	if err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
