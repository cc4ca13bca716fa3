package store

import (
	"context"
	"fmt"
)

// LogActivity appends an audit trail entry. Failures are logged and
// returned, callers usually ignore them.
func (s *Store) LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (agent_id, kind, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		agentID, kind, message, encodeMeta(meta), toMillis(s.now()))
	if err != nil {
		s.logger.Warn("failed to write activity log", "agent", agentID, "kind", kind, "error", err)
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// ListActivity returns an agent's audit entries, newest first. kind filters
// when not empty.
func (s *Store) ListActivity(ctx context.Context, agentID, kind string, limit int) ([]*ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, agent_id, kind, message, metadata, created_at FROM activity_log WHERE agent_id = ?"
	args := []any{agentID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*ActivityLog
	for rows.Next() {
		var (
			a       ActivityLog
			meta    string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Kind, &a.Message, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Metadata = decodeMeta(meta)
		a.CreatedAt = fromMillis(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}
