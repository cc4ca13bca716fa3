package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreatePairingCode stores a new code for an agent.
func (s *Store) CreatePairingCode(ctx context.Context, code, agentID string, ttl time.Duration) (*PairingCode, error) {
	now := s.now().UTC()
	p := &PairingCode{
		Code:      strings.ToUpper(code),
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, agent_id, created_at, expires_at, uses)
		VALUES (?, ?, ?, ?, 0)`,
		p.Code, p.AgentID, toMillis(p.CreatedAt), toMillis(p.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("create pairing code: %w", err)
	}
	return p, nil
}

// GetPairingCode looks a code up case-insensitively. Expired codes are
// returned as well; callers decide with PairingCode.Expired.
func (s *Store) GetPairingCode(ctx context.Context, code string) (*PairingCode, error) {
	var (
		p                  PairingCode
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT code, agent_id, created_at, expires_at, uses FROM pairing_codes WHERE code = ?",
		strings.ToUpper(code)).Scan(&p.Code, &p.AgentID, &created, &expiresAt, &p.Uses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pairing code %q: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("get pairing code: %w", err)
	}
	p.CreatedAt = fromMillis(created)
	p.ExpiresAt = fromMillis(expiresAt)
	return &p, nil
}

// IncrementPairingUse counts one successful pairing with the code.
func (s *Store) IncrementPairingUse(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pairing_codes SET uses = uses + 1 WHERE code = ?", strings.ToUpper(code))
	if err != nil {
		return fmt.Errorf("increment pairing use: %w", err)
	}
	return expectOne(res, "pairing code", code)
}

// DeleteExpiredPairingCodes removes every code expired at now.
func (s *Store) DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pairing_codes WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired pairing codes: %w", err)
	}
	return res.RowsAffected()
}
