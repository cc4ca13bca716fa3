package store

import (
	"context"
	"fmt"
)

// AppendMessage stores one turn and prunes the binding's history down to the
// retention limit.
func (s *Store) AppendMessage(ctx context.Context, bindingID string, role Role, content string, meta map[string]any) (*SessionMessage, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (binding_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		bindingID, string(role), content, encodeMeta(meta), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	pruned, err := tx.ExecContext(ctx, `
		DELETE FROM session_messages
		WHERE binding_id = ? AND id NOT IN (
			SELECT id FROM session_messages WHERE binding_id = ? ORDER BY id DESC LIMIT ?
		)`,
		bindingID, bindingID, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("prune messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if n, _ := pruned.RowsAffected(); n > 0 {
		s.logger.Debug("pruned session history", "binding", bindingID, "removed", n)
	}

	return &SessionMessage{
		ID:        id,
		BindingID: bindingID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now,
	}, nil
}

// RecentMessages returns up to limit of the newest messages of a binding in
// chronological order. A non-positive limit returns the whole retained history.
func (s *Store) RecentMessages(ctx context.Context, bindingID string, limit int) ([]SessionMessage, error) {
	if limit <= 0 {
		limit = s.maxMessages
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, binding_id, role, content, metadata, created_at FROM (
			SELECT * FROM session_messages WHERE binding_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		bindingID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []SessionMessage
	for rows.Next() {
		var (
			m         SessionMessage
			role      string
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.BindingID, &role, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Metadata = decodeMeta(meta)
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages a binding currently retains.
func (s *Store) CountMessages(ctx context.Context, bindingID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_messages WHERE binding_id = ?", bindingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
