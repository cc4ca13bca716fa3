package store

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusDraft     AgentStatus = "draft"
	StatusDeploying AgentStatus = "deploying"
	StatusActive    AgentStatus = "active"
	StatusPaused    AgentStatus = "paused"
	StatusStopped   AgentStatus = "stopped"
)

// ParseAgentStatus validates a status string.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(s); st {
	case StatusDraft, StatusDeploying, StatusActive, StatusPaused, StatusStopped:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Agent is one persona: its model, wallet and spending allowance.
type Agent struct {
	ID           string
	Name         string
	Category     string
	Status       AgentStatus
	SystemPrompt string
	Provider     string
	Model        string

	// WalletAddress is empty until the wallet is initialized.
	WalletAddress string
	WalletIndex   int

	// SpendingLimit and SpendingUsed are in the accounting currency.
	SpendingLimit float64
	SpendingUsed  float64

	// Tokens lists deployed on-chain token addresses, in deployment order.
	Tokens []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWallet reports whether the agent's wallet has been initialized.
func (a *Agent) HasWallet() bool { return a.WalletAddress != "" }

// IsActive reports whether the agent accepts messages.
func (a *Agent) IsActive() bool { return a.Status == StatusActive }

// RemainingAllowance returns how much the agent can still spend.
func (a *Agent) RemainingAllowance() float64 {
	if r := a.SpendingLimit - a.SpendingUsed; r > 0 {
		return r
	}
	return 0
}

// BindingKind tells how a binding was established.
type BindingKind string

const (
	BindingDedicatedBot BindingKind = "dedicated_bot"
	BindingPairing      BindingKind = "pairing"
)

// ChannelBinding associates one external sender on one channel with an agent.
type ChannelBinding struct {
	ID            string
	AgentID       string
	ChannelType   string
	SenderID      string
	SenderName    string
	ChatID        string
	Kind          BindingKind
	Active        bool
	LastMessageAt time.Time
	PairingCode   string
	CreatedAt     time.Time
}

// Role of a session message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionMessage is one conversation turn scoped to a binding.
type SessionMessage struct {
	ID        int64
	BindingID string
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// PairingCode lets a sender claim a binding to an agent until it expires.
type PairingCode struct {
	Code      string
	AgentID   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Uses      int
}

// Expired reports whether the code is no longer valid at now.
func (p *PairingCode) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// CronJobDef is a scheduled instruction owned by an agent.
type CronJobDef struct {
	ID          string
	AgentID     string
	Label       string
	Schedule    string
	Instruction string
	Enabled     bool

	// LastRun is the zero time when the job never ran.
	LastRun    time.Time
	LastResult string
	Position   int
	CreatedAt  time.Time
}

// TxStatus is the outcome of an executed intent.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxFailed    TxStatus = "failed"

	// TxPending is a broadcast transfer whose confirmation timed out. It
	// may still be mined, so its value counts as spent.
	TxPending TxStatus = "pending"
)

// Transaction is the persisted outcome of a transfer intent.
type Transaction struct {
	ID              string
	AgentID         string
	Hash            string
	Status          TxStatus
	Amount          string
	Currency        string
	Recipient       string
	AccountingValue float64
	Error           string
	CreatedAt       time.Time
}

// Activity kinds written to the audit trail.
const (
	ActivityPairing       = "pairing"
	ActivityUnpair        = "unpair"
	ActivityModelResponse = "model_response"
	ActivityTransactions  = "transactions"
	ActivitySkill         = "skill"
	ActivityCronRun       = "cron_run"
	ActivityVerification  = "verification"
	ActivityIdentity      = "identity"
	ActivityWalletCreated = "wallet_created"
	ActivityStatusChanged = "status_changed"
)

// ActivityLog is one audit trail entry.
type ActivityLog struct {
	ID        int64
	AgentID   string
	Kind      string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}
