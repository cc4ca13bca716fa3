package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: fleet-test
ledger:
  native_symbol: ETH
scheduler:
  enabled: false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Name != "fleet-test" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Sessions.MaxMessages != 100 {
		t.Errorf("max messages = %d, want 100", cfg.Sessions.MaxMessages)
	}
	if cfg.Scheduler.DedupWindow != 55*time.Second {
		t.Errorf("dedup window = %v, want 55s", cfg.Scheduler.DedupWindow)
	}
	if cfg.Scheduler.Enabled {
		t.Error("scheduler should be disabled by the file")
	}
	if r := cfg.Accounting.Rates["ETH"]; r != 1 {
		t.Errorf("native rate = %v, want 1", r)
	}
	if cfg.Pairing.CodeTTL != 15*time.Minute {
		t.Errorf("code ttl = %v", cfg.Pairing.CodeTTL)
	}
}

func TestParseMergesProviders(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  groq:
    base_url: https://api.groq.com/openai/v1
    free_tier: true
    fallback_models: [llama-3.1-8b-instant]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	groq, ok := cfg.Providers["groq"]
	if !ok {
		t.Fatal("groq provider missing")
	}
	if !groq.FreeTier || len(groq.FallbackModels) != 1 {
		t.Errorf("groq = %+v", groq)
	}
	if groq.Timeout != 30*time.Second {
		t.Errorf("timeout default not applied: %v", groq.Timeout)
	}
	if _, ok := cfg.Providers["openai"]; !ok {
		t.Error("default openai provider should survive the merge")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AF_TEST_SET", "value")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"braced", "k: ${AF_TEST_SET}", "k: value", false},
		{"bare", "k: $AF_TEST_SET", "k: value", false},
		{"default used", "k: ${AF_TEST_UNSET:-fallback}", "k: fallback", false},
		{"default ignored", "k: ${AF_TEST_SET:-fallback}", "k: value", false},
		{"unset kept", "k: ${AF_TEST_UNSET}", "k: ${AF_TEST_UNSET}", false},
		{"required missing", "k: ${AF_TEST_UNSET:?set it}", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSecretsPrefersKeyring(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("AGENTFLEET_MASTER_SEED", "seed-from-env")

	cfg := DefaultConfig()
	cfg.Providers["openai"] = ProviderConfig{APIKey: "${OPENAI_API_KEY}"}
	cfg.Gateway.AuthToken = "literal"

	store := map[string]string{"provider.openai.api_key": "from-keyring"}
	resolveSecrets(cfg, func(k string) string { return store[k] })

	if got := cfg.Providers["openai"].APIKey; got != "from-keyring" {
		t.Errorf("openai key = %q, want keyring value", got)
	}
	if cfg.Ledger.MasterSeed != "seed-from-env" {
		t.Errorf("master seed = %q, want env value", cfg.Ledger.MasterSeed)
	}
	if cfg.Gateway.AuthToken != "literal" {
		t.Errorf("literal auth token was overwritten: %q", cfg.Gateway.AuthToken)
	}
}

func TestLoadFromFile(t *testing.T) {
	keyring.MockInit()
	t.Setenv("AF_TEST_RPC", "http://127.0.0.1:8545")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "ledger:\n  rpc_url: ${AF_TEST_RPC}\n  chain_id: 1337\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Ledger.RPCURL != "http://127.0.0.1:8545" {
		t.Errorf("rpc url = %q", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.ChainID != 1337 {
		t.Errorf("chain id = %d", cfg.Ledger.ChainID)
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	keyring.MockInit()

	if err := StoreKeyring("ledger.master_seed", "abc"); err != nil {
		t.Fatalf("StoreKeyring: %v", err)
	}
	if got := GetKeyring("ledger.master_seed"); got != "abc" {
		t.Errorf("GetKeyring = %q", got)
	}
	if err := DeleteKeyring("ledger.master_seed"); err != nil {
		t.Fatalf("DeleteKeyring: %v", err)
	}
	if got := GetKeyring("ledger.master_seed"); got != "" {
		t.Errorf("expected empty after delete, got %q", got)
	}
}
