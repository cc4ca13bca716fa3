// Package identity is the Identity Service client: it registers agents in
// the public agent registry and reads back their reputation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/httpclient"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// ErrNotRegistered is returned when the registry has no entry for an address.
var ErrNotRegistered = errors.New("agent not registered")

// Registration is what the registry stores about an agent.
type Registration struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Record is a registry entry with its reputation.
type Record struct {
	RegistryID    string    `json:"id"`
	Address       string    `json:"address"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Reputation    float64   `json:"reputation"`
	FeedbackCount int       `json:"feedback_count"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Auditor records registrations.
type Auditor interface {
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
}

// Client talks to the Identity Service.
type Client struct {
	http   *httpclient.Client
	audit  Auditor
	logger *slog.Logger
}

// New creates a Client. audit may be nil.
func New(cfg config.ServiceConfig, audit Auditor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:   httpclient.NewClient("identity service", cfg.BaseURL, cfg.APIKey, timeout),
		audit:  audit,
		logger: logger.With("component", "identity"),
	}
}

// Register publishes the agent in the registry.
func (c *Client) Register(ctx context.Context, agent *store.Agent) (*Record, error) {
	if !agent.HasWallet() {
		return nil, fmt.Errorf("agent %s has no wallet to register", agent.ID)
	}
	reg := Registration{Address: agent.WalletAddress, Name: agent.Name, Category: agent.Category}

	var rec Record
	if err := c.http.DoJSON(ctx, http.MethodPost, "/agents", nil, reg, &rec); err != nil {
		return nil, err
	}
	c.logger.Info("agent registered", "agent", agent.ID, "registry_id", rec.RegistryID)

	if c.audit != nil {
		_ = c.audit.LogActivity(ctx, agent.ID, store.ActivityIdentity,
			fmt.Sprintf("Registered in the identity registry as %s", rec.RegistryID),
			map[string]any{"registry_id": rec.RegistryID, "address": agent.WalletAddress})
	}
	return &rec, nil
}

// Lookup returns the registry entry of address.
func (c *Client) Lookup(ctx context.Context, address string) (*Record, error) {
	var rec Record
	err := c.http.DoJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(address), nil, nil, &rec)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", address, ErrNotRegistered)
		}
		return nil, err
	}
	return &rec, nil
}
