package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Capture groups:
//   - 1: variable name (${} syntax)
//   - 2: modifier ("-" default, "?" required)
//   - 3: default value or error message
//   - 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads a YAML configuration file, loads .env files, expands
// environment references and resolves secrets. The result has defaults
// applied.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg, GetKeyring)
	return cfg, nil
}

// Parse decodes YAML over the defaults and returns the effective config.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	eff := cfg.Effective()
	return &eff, nil
}

// FindConfigFile searches the standard locations and returns the first
// existing path, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"agentfleet.yaml",
		"agentfleet.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files. godotenv never overwrites variables that
// are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. A ${VAR:?msg}
// whose variable is unset yields an error naming the variable.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(varName); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if missing == nil {
				missing = fmt.Errorf("config error: %s - %s", varName, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// IsEnvReference reports whether s is still an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// resolveSecrets fills empty or unexpanded secrets from the keyring first,
// then from the environment.
func resolveSecrets(cfg *Config, lookupKeyring func(string) string) {
	resolve := func(current, keyringKey string, envKeys ...string) string {
		if current != "" && !IsEnvReference(current) {
			return current
		}
		if v := lookupKeyring(keyringKey); v != "" {
			return v
		}
		for _, k := range envKeys {
			if v := os.Getenv(k); v != "" {
				return v
			}
		}
		if IsEnvReference(current) {
			return ""
		}
		return current
	}

	for name, p := range cfg.Providers {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		p.APIKey = resolve(p.APIKey, "provider."+name+".api_key", envName)
		cfg.Providers[name] = p
	}

	cfg.Ledger.MasterSeed = resolve(cfg.Ledger.MasterSeed, "ledger.master_seed", "AGENTFLEET_MASTER_SEED")
	cfg.Gateway.AuthToken = resolve(cfg.Gateway.AuthToken, "gateway.auth_token", "AGENTFLEET_AUTH_TOKEN")
	cfg.Gateway.WebhookSecret = resolve(cfg.Gateway.WebhookSecret, "gateway.webhook_secret", "AGENTFLEET_WEBHOOK_SECRET")
	cfg.Trust.APIKey = resolve(cfg.Trust.APIKey, "trust.api_key", "AGENTFLEET_TRUST_API_KEY")
	cfg.Identity.APIKey = resolve(cfg.Identity.APIKey, "identity.api_key", "AGENTFLEET_IDENTITY_API_KEY")

	for i := range cfg.Channels.Telegram.Bots {
		b := &cfg.Channels.Telegram.Bots[i]
		b.Token = resolve(b.Token, "telegram."+b.AgentID+".token")
	}
	for i := range cfg.Channels.Discord.Bots {
		b := &cfg.Channels.Discord.Bots[i]
		b.Token = resolve(b.Token, "discord."+b.AgentID+".token")
	}
}
