package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const agentColumns = `id, name, category, status, system_prompt, provider, model,
	wallet_address, wallet_index, spending_limit, spending_used, created_at, updated_at`

// CreateAgent inserts a new agent in draft status.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Category == "" {
		a.Category = "assistant"
	}
	a.Status = StatusDraft
	a.SpendingUsed = 0
	now := s.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, category, status, system_prompt, provider, model,
			spending_limit, spending_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		a.ID, a.Name, a.Category, string(a.Status), a.SystemPrompt, a.Provider, a.Model,
		a.SpendingLimit, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent with its deployed token list.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if a.Tokens, err = s.agentTokens(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns every agent, optionally filtered by status.
func (s *Store) ListAgents(ctx context.Context, status AgentStatus) ([]*Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent saves the editable agent fields. Status, wallet and spending
// counters have their own operations.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, category = ?, system_prompt = ?, provider = ?, model = ?,
			spending_limit = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Category, a.SystemPrompt, a.Provider, a.Model, a.SpendingLimit,
		toMillis(s.now()), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return expectOne(res, "agent", a.ID)
}

// SetAgentStatus moves an agent to a new lifecycle status.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if _, err := ParseAgentStatus(string(status)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ?, updated_at = ? WHERE id = ?",
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return expectOne(res, "agent", id)
}

// NextWalletIndex returns the first derivation index not used by any agent.
func (s *Store) NextWalletIndex(ctx context.Context) (int, error) {
	var idx sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(wallet_index) FROM agents").Scan(&idx); err != nil {
		return 0, fmt.Errorf("next wallet index: %w", err)
	}
	if !idx.Valid {
		return 0, nil
	}
	return int(idx.Int64) + 1, nil
}

// SetWallet records the derived wallet of an agent. A wallet is set once.
func (s *Store) SetWallet(ctx context.Context, id, address string, index int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET wallet_address = ?, wallet_index = ?, updated_at = ?
		WHERE id = ? AND wallet_address IS NULL`,
		address, index, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set wallet: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetAgent(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("agent %q already has a wallet", id)
	}
	return nil
}

// AddSpending atomically increments spending_used and returns the new value.
func (s *Store) AddSpending(ctx context.Context, id string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("spending increment must not be negative")
	}
	var used float64
	err := s.db.QueryRowContext(ctx, `
		UPDATE agents SET spending_used = spending_used + ?, updated_at = ?
		WHERE id = ?
		RETURNING spending_used`,
		amount, toMillis(s.now()), id).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("agent %q: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("add spending: %w", err)
	}
	return used, nil
}

// AddAgentToken appends a deployed token address to the agent.
func (s *Store) AddAgentToken(ctx context.Context, id, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (agent_id, address, position, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM agent_tokens WHERE agent_id = ?), ?)
		ON CONFLICT (agent_id, address) DO NOTHING`,
		id, address, id, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("add agent token: %w", err)
	}
	return nil
}

func (s *Store) agentTokens(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT address FROM agent_tokens WHERE agent_id = ? ORDER BY position ASC", id)
	if err != nil {
		return nil, fmt.Errorf("list agent tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		tokens = append(tokens, addr)
	}
	return tokens, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		a                    Agent
		status               string
		wallet               sql.NullString
		walletIdx            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Category, &status, &a.SystemPrompt, &a.Provider, &a.Model,
		&wallet, &walletIdx, &a.SpendingLimit, &a.SpendingUsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	a.WalletAddress = wallet.String
	a.WalletIndex = int(walletIdx.Int64)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}
