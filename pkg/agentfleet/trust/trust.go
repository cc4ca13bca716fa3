// Package trust is the Trust Service client. An agent proves control of its
// wallet by signing a challenge; the service then verifies it asynchronously.
package trust

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

// Verification states reported by the service.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

var (
	ErrNoWallet            = errors.New("agent has no wallet")
	ErrVerificationTimeout = errors.New("verification still pending")
)

// Challenge is the message the agent wallet must sign.
type Challenge struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verification is the service's view of one proof.
type Verification struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether the verification reached a final state.
func (v *Verification) Done() bool { return v.Status != StatusPending }

type submission struct {
	ChallengeID string `json:"challenge_id"`
	Address     string `json:"address"`
	Signature   string `json:"signature"`
}

// Signer signs messages with an agent wallet.
type Signer interface {
	SignMessage(index int, message []byte) (string, error)
}

// Auditor records verification outcomes.
type Auditor interface {
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
}

// Client talks to the Trust Service.
type Client struct {
	http         *httpclient.Client
	signer       Signer
	audit        Auditor
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a Client. audit may be nil.
func New(cfg config.ServiceConfig, signer Signer, audit Auditor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Minute
	}
	return &Client{
		http:         httpclient.NewClient("trust service", cfg.BaseURL, cfg.APIKey, timeout),
		signer:       signer,
		audit:        audit,
		pollInterval: interval,
		pollTimeout:  pollTimeout,
		logger:       logger.With("component", "trust"),
	}
}

// Challenge requests a fresh challenge for address.
func (c *Client) Challenge(ctx context.Context, address string) (*Challenge, error) {
	var ch Challenge
	if err := c.http.DoJSON(ctx, http.MethodGet, "/challenges", url.Values{"address": {address}}, nil, &ch); err != nil {
		return nil, err
	}
	if ch.ID == "" || ch.Message == "" {
		return nil, fmt.Errorf("trust service returned an empty challenge")
	}
	return &ch, nil
}

// Submit sends a signed challenge.
func (c *Client) Submit(ctx context.Context, address, challengeID, signature string) (*Verification, error) {
	var v Verification
	body := submission{ChallengeID: challengeID, Address: address, Signature: signature}
	if err := c.http.DoJSON(ctx, http.MethodPost, "/verifications", nil, body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Status fetches the current state of a verification.
func (c *Client) Status(ctx context.Context, id string) (*Verification, error) {
	var v Verification
	if err := c.http.DoJSON(ctx, http.MethodGet, "/verifications/"+url.PathEscape(id), nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Verify runs the whole flow for an agent: challenge, sign with the agent
// wallet, submit, then poll until the service decides or the poll timeout
// elapses.
func (c *Client) Verify(ctx context.Context, agent *store.Agent) (*Verification, error) {
	if !agent.HasWallet() {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrNoWallet)
	}

	ch, err := c.Challenge(ctx, agent.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	sig, err := c.signer.SignMessage(agent.WalletIndex, []byte(ch.Message))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}
	v, err := c.Submit(ctx, agent.WalletAddress, ch.ID, sig)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	c.logger.Info("verification submitted", "agent", agent.ID, "verification", v.ID)

	v, err = c.poll(ctx, v)
	c.record(ctx, agent, v, err)
	return v, err
}

func (c *Client) poll(ctx context.Context, v *Verification) (*Verification, error) {
	if v.Done() {
		return v, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return v, fmt.Errorf("%w after %s", ErrVerificationTimeout, c.pollTimeout)
		case <-ticker.C:
		}
		next, err := c.Status(ctx, v.ID)
		if err != nil {
			if ctx.Err() != nil {
				return v, fmt.Errorf("%w after %s", ErrVerificationTimeout, c.pollTimeout)
			}
			c.logger.Warn("verification status failed", "verification", v.ID, "error", err)
			continue
		}
		v = next
		if v.Done() {
			return v, nil
		}
	}
}

func (c *Client) record(ctx context.Context, agent *store.Agent, v *Verification, err error) {
	if c.audit == nil {
		return
	}
	meta := map[string]any{"address": agent.WalletAddress}
	msg := "Wallet verification "
	if v != nil {
		meta["verification_id"] = v.ID
		meta["status"] = v.Status
		msg += v.Status
	}
	if err != nil {
		meta["error"] = err.Error()
		msg += " (" + err.Error() + ")"
	}
	_ = c.audit.LogActivity(context.WithoutCancel(ctx), agent.ID, store.ActivityVerification, msg, meta)
}
