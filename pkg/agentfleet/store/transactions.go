package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordTransaction persists the outcome of one transfer intent.
func (s *Store) RecordTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, agent_id, hash, status, amount, currency, recipient,
			accounting_value, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.Hash, string(t.Status), t.Amount, t.Currency, t.Recipient,
		t.AccountingValue, t.Error, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// ListTransactions returns an agent's transactions, newest first. A
// non-positive limit returns all of them.
func (s *Store) ListTransactions(ctx context.Context, agentID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, hash, status, amount, currency, recipient, accounting_value, error, created_at
		FROM transactions WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			t       Transaction
			status  string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Hash, &status, &t.Amount, &t.Currency, &t.Recipient,
			&t.AccountingValue, &t.Error, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Status = TxStatus(status)
		t.CreatedAt = fromMillis(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}
