package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const bindingColumns = `id, agent_id, channel_type, sender_id, sender_name, chat_id, kind,
	active, last_message_at, pairing_code, created_at`

// BindingRequest describes the binding a sender should end up with.
type BindingRequest struct {
	AgentID     string
	ChannelType string
	SenderID    string
	SenderName  string
	ChatID      string
	Kind        BindingKind
	PairingCode string
}

// ActiveBinding returns the active binding of a sender on a channel.
func (s *Store) ActiveBinding(ctx context.Context, channelType, senderID string) (*ChannelBinding, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bindingColumns+" FROM channel_bindings WHERE channel_type = ? AND sender_id = ? AND active = 1",
		channelType, senderID)
	b, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active binding: %w", err)
	}
	return b, nil
}

// GetBinding loads a binding by id.
func (s *Store) GetBinding(ctx context.Context, id string) (*ChannelBinding, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bindingColumns+" FROM channel_bindings WHERE id = ?", id)
	b, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("binding %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns the bindings of an agent, most recent first.
func (s *Store) ListBindings(ctx context.Context, agentID string) ([]*ChannelBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bindingColumns+" FROM channel_bindings WHERE agent_id = ? ORDER BY last_message_at DESC",
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []*ChannelBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActivateBinding makes req the sender's only active binding on the channel.
// Other bindings of the sender are deactivated in the same transaction. An
// existing binding for the same agent is refreshed and reactivated instead
// of duplicated, so its id and history survive.
func (s *Store) ActivateBinding(ctx context.Context, req BindingRequest) (*ChannelBinding, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM channel_bindings
		WHERE channel_type = ? AND sender_id = ? AND agent_id = ?
		ORDER BY active DESC, last_message_at DESC
		LIMIT 1`,
		req.ChannelType, req.SenderID, req.AgentID).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find binding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE channel_bindings SET active = 0
		WHERE channel_type = ? AND sender_id = ? AND active = 1 AND id != ?`,
		req.ChannelType, req.SenderID, existingID); err != nil {
		return nil, fmt.Errorf("deactivate bindings: %w", err)
	}

	if existingID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE channel_bindings
			SET active = 1, last_message_at = ?, chat_id = ?, kind = ?,
				sender_name = CASE WHEN ? != '' THEN ? ELSE sender_name END,
				pairing_code = CASE WHEN ? != '' THEN ? ELSE pairing_code END
			WHERE id = ?`,
			toMillis(now), req.ChatID, string(req.Kind),
			req.SenderName, req.SenderName,
			req.PairingCode, req.PairingCode,
			existingID)
		if err != nil {
			return nil, fmt.Errorf("reactivate binding: %w", err)
		}
	} else {
		existingID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channel_bindings (id, agent_id, channel_type, sender_id, sender_name, chat_id,
				kind, active, last_message_at, pairing_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			existingID, req.AgentID, req.ChannelType, req.SenderID, req.SenderName, req.ChatID,
			string(req.Kind), toMillis(now), req.PairingCode, toMillis(now))
		if err != nil {
			return nil, fmt.Errorf("insert binding: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, "SELECT "+bindingColumns+" FROM channel_bindings WHERE id = ?", existingID)
	b, err := scanBinding(row)
	if err != nil {
		return nil, fmt.Errorf("reload binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// TouchBinding refreshes a binding's last-message timestamp.
func (s *Store) TouchBinding(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_bindings SET last_message_at = ? WHERE id = ?", toMillis(at), id)
	if err != nil {
		return fmt.Errorf("touch binding: %w", err)
	}
	return expectOne(res, "binding", id)
}

// DeactivateBindings deactivates every active binding of a sender on a
// channel and returns how many were changed.
func (s *Store) DeactivateBindings(ctx context.Context, channelType, senderID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_bindings SET active = 0 WHERE channel_type = ? AND sender_id = ? AND active = 1",
		channelType, senderID)
	if err != nil {
		return 0, fmt.Errorf("deactivate bindings: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBinding removes a binding together with its messages.
func (s *Store) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channel_bindings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return expectOne(res, "binding", id)
}

func scanBinding(row scanner) (*ChannelBinding, error) {
	var (
		b              ChannelBinding
		kind           string
		active         int
		lastMsg, creat int64
	)
	err := row.Scan(&b.ID, &b.AgentID, &b.ChannelType, &b.SenderID, &b.SenderName, &b.ChatID, &kind,
		&active, &lastMsg, &b.PairingCode, &creat)
	if err != nil {
		return nil, err
	}
	b.Kind = BindingKind(kind)
	b.Active = active == 1
	b.LastMessageAt = fromMillis(lastMsg)
	b.CreatedAt = fromMillis(creat)
	return &b, nil
}
