// Package config holds the AgentFleet configuration: the YAML layout, its
// defaults, and the loader that resolves environment references and secrets.
package config

import (
	"time"
)

// Config is the root configuration loaded from config.yaml.
type Config struct {
	// Name identifies this deployment in logs.
	Name string `yaml:"name"`

	Logging    LoggingConfig             `yaml:"logging"`
	Database   DatabaseConfig            `yaml:"database"`
	Gateway    GatewayConfig             `yaml:"gateway"`
	Pairing    PairingConfig             `yaml:"pairing"`
	Sessions   SessionsConfig            `yaml:"sessions"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Ledger     LedgerConfig              `yaml:"ledger"`
	Accounting AccountingConfig          `yaml:"accounting"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Channels   ChannelsConfig            `yaml:"channels"`
	Trust      ServiceConfig             `yaml:"trust"`
	Identity   ServiceConfig             `yaml:"identity"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is "json" (default) or "text".
	Format string `yaml:"format"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// GatewayConfig configures the HTTP ingestion server.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// AuthToken protects /api/* with "Authorization: Bearer <token>".
	AuthToken string `yaml:"auth_token"`

	// WebhookSecret is the shared secret expected in X-Webhook-Secret on
	// the web chat webhook.
	WebhookSecret string `yaml:"webhook_secret"`

	// WebAgents lists the agents a web chat may address directly with
	// agent_id, skipping pairing. Honoured only when WebhookSecret is set.
	WebAgents []string `yaml:"web_agents"`

	// PublicURL is the externally reachable base URL, used to register
	// Telegram webhooks. Empty disables registration.
	PublicURL string `yaml:"public_url"`
}

// PairingConfig configures pairing codes.
type PairingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// SessionsConfig configures conversation history.
type SessionsConfig struct {
	// MaxMessages is how many messages a binding keeps (default: 100).
	MaxMessages int `yaml:"max_messages"`

	// PromptHistory is how many recent messages are sent to the model (default: 20).
	PromptHistory int `yaml:"prompt_history"`
}

// ProviderConfig describes one OpenAI-compatible model provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// FreeTier marks providers offering unauthenticated or free models.
	// Only these get the fallback model walk.
	FreeTier bool `yaml:"free_tier"`

	// FallbackModels is the ordered list tried after the primary model.
	FallbackModels []string `yaml:"fallback_models"`

	Timeout time.Duration `yaml:"timeout"`
}

// TokenConfig is one entry of the token registry.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// LedgerConfig configures the chain adapter.
type LedgerConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	ChainID      int64  `yaml:"chain_id"`
	NativeSymbol string `yaml:"native_symbol"`
	ExplorerURL  string `yaml:"explorer_url"`

	// MasterSeed is the hex secret all agent wallet keys derive from.
	MasterSeed string `yaml:"master_seed"`

	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`

	Tokens []TokenConfig `yaml:"tokens"`
}

// AccountingConfig configures how spending limits are tracked.
type AccountingConfig struct {
	// Currency is the accounting unit label (default: USD).
	Currency string `yaml:"currency"`

	// Rates converts one unit of a transferred currency into the
	// accounting currency, keyed by symbol.
	Rates map[string]float64 `yaml:"rates"`

	// MaxAmount is the sanity bound on a single transfer amount.
	MaxAmount float64 `yaml:"max_amount"`
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
}

// BotConfig binds a dedicated bot account to one agent.
type BotConfig struct {
	AgentID string `yaml:"agent_id"`
	Token   string `yaml:"token"`

	// WebhookSecret is the Telegram secret_token echoed back in
	// X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string `yaml:"webhook_secret"`
}

// ChannelsConfig configures the dedicated bot channels.
type ChannelsConfig struct {
	Telegram struct {
		Bots []BotConfig `yaml:"bots"`
	} `yaml:"telegram"`
	Discord struct {
		Bots []BotConfig `yaml:"bots"`
	} `yaml:"discord"`
}

// ServiceConfig configures an external HTTP collaborator.
type ServiceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Name: "agentfleet",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:        "./data/agentfleet.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: ":8085",
		},
		Pairing: PairingConfig{
			CodeTTL: 15 * time.Minute,
		},
		Sessions: SessionsConfig{
			MaxMessages:   100,
			PromptHistory: 20,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				BaseURL: "https://api.openai.com/v1",
				Timeout: 30 * time.Second,
			},
			"openrouter": {
				BaseURL:  "https://openrouter.ai/api/v1",
				FreeTier: true,
				FallbackModels: []string{
					"meta-llama/llama-3.3-70b-instruct:free",
					"mistralai/mistral-7b-instruct:free",
					"google/gemma-2-9b-it:free",
				},
				Timeout: 30 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			ChainID:             44787,
			NativeSymbol:        "CELO",
			ExplorerURL:         "https://celo-alfajores.blockscout.com",
			ConfirmationTimeout: 60 * time.Second,
			PollInterval:        2 * time.Second,
		},
		Accounting: AccountingConfig{
			Currency:  "USD",
			Rates:     map[string]float64{"CELO": 1},
			MaxAmount: 1_000_000,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			DedupWindow: 55 * time.Second,
			JobTimeout:  5 * time.Minute,
		},
		Trust: ServiceConfig{
			Timeout:      15 * time.Second,
			PollInterval: 3 * time.Second,
			PollTimeout:  2 * time.Minute,
		},
		Identity: ServiceConfig{
			Timeout: 15 * time.Second,
		},
	}
}

// Effective returns a copy with defaults filled in for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c

	if out.Name == "" {
		out.Name = def.Name
	}
	if out.Logging.Level == "" {
		out.Logging.Level = def.Logging.Level
	}
	if out.Logging.Format == "" {
		out.Logging.Format = def.Logging.Format
	}
	if out.Database.Path == "" {
		out.Database.Path = def.Database.Path
	}
	if out.Database.JournalMode == "" {
		out.Database.JournalMode = def.Database.JournalMode
	}
	if out.Database.BusyTimeout == 0 {
		out.Database.BusyTimeout = def.Database.BusyTimeout
	}
	if out.Gateway.Address == "" {
		out.Gateway.Address = def.Gateway.Address
	}
	if out.Pairing.CodeTTL <= 0 {
		out.Pairing.CodeTTL = def.Pairing.CodeTTL
	}
	if out.Sessions.MaxMessages <= 0 {
		out.Sessions.MaxMessages = def.Sessions.MaxMessages
	}
	if out.Sessions.PromptHistory <= 0 {
		out.Sessions.PromptHistory = def.Sessions.PromptHistory
	}
	if len(out.Providers) == 0 {
		out.Providers = def.Providers
	}
	providers := make(map[string]ProviderConfig, len(out.Providers))
	for name, p := range out.Providers {
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
		providers[name] = p
	}
	out.Providers = providers
	if out.Ledger.NativeSymbol == "" {
		out.Ledger.NativeSymbol = def.Ledger.NativeSymbol
	}
	if out.Ledger.ConfirmationTimeout <= 0 {
		out.Ledger.ConfirmationTimeout = def.Ledger.ConfirmationTimeout
	}
	if out.Ledger.PollInterval <= 0 {
		out.Ledger.PollInterval = def.Ledger.PollInterval
	}
	if out.Accounting.Currency == "" {
		out.Accounting.Currency = def.Accounting.Currency
	}
	if out.Accounting.MaxAmount <= 0 {
		out.Accounting.MaxAmount = def.Accounting.MaxAmount
	}
	rates := make(map[string]float64, len(out.Accounting.Rates)+1)
	for sym, r := range out.Accounting.Rates {
		rates[sym] = r
	}
	if _, ok := rates[out.Ledger.NativeSymbol]; !ok {
		rates[out.Ledger.NativeSymbol] = 1
	}
	out.Accounting.Rates = rates
	if out.Scheduler.DedupWindow <= 0 {
		out.Scheduler.DedupWindow = def.Scheduler.DedupWindow
	}
	if out.Scheduler.JobTimeout <= 0 {
		out.Scheduler.JobTimeout = def.Scheduler.JobTimeout
	}
	out.Trust = out.Trust.withDefaults(def.Trust)
	out.Identity = out.Identity.withDefaults(def.Identity)

	return out
}

func (s ServiceConfig) withDefaults(def ServiceConfig) ServiceConfig {
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = def.PollInterval
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = def.PollTimeout
	}
	return s
}
