package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const cronColumns = `id, agent_id, label, schedule, instruction, enabled, last_run, last_result, position, created_at`

// AddCronJob appends a job to the end of the agent's list.
func (s *Store) AddCronJob(ctx context.Context, j *CronJobDef) error {
	if strings.TrimSpace(j.Schedule) == "" || strings.TrimSpace(j.Instruction) == "" {
		return fmt.Errorf("cron job needs a schedule and an instruction")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = s.now().UTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cron_jobs (id, agent_id, label, schedule, instruction, enabled, last_result, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', (SELECT COALESCE(MAX(position), -1) + 1 FROM cron_jobs WHERE agent_id = ?), ?)
		RETURNING position`,
		j.ID, j.AgentID, j.Label, j.Schedule, j.Instruction, boolInt(j.Enabled), j.AgentID, toMillis(j.CreatedAt),
	).Scan(&j.Position)
	if err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}
	return nil
}

// GetCronJob loads one job.
func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJobDef, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+cronColumns+" FROM cron_jobs WHERE id = ?", id)
	j, err := scanCronJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cron job %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return j, nil
}

// ListCronJobs returns an agent's jobs in list order.
func (s *Store) ListCronJobs(ctx context.Context, agentID string) ([]*CronJobDef, error) {
	return s.queryCronJobs(ctx,
		"SELECT "+cronColumns+" FROM cron_jobs WHERE agent_id = ? ORDER BY position ASC", agentID)
}

// ListSchedulableJobs returns enabled jobs owned by active agents.
func (s *Store) ListSchedulableJobs(ctx context.Context) ([]*CronJobDef, error) {
	return s.queryCronJobs(ctx, `
		SELECT c.id, c.agent_id, c.label, c.schedule, c.instruction, c.enabled, c.last_run,
			c.last_result, c.position, c.created_at
		FROM cron_jobs c JOIN agents a ON a.id = c.agent_id
		WHERE c.enabled = 1 AND a.status = ?
		ORDER BY c.agent_id, c.position`, string(StatusActive))
}

// SetCronJobEnabled toggles a job. agentID, when not empty, must own the job.
func (s *Store) SetCronJobEnabled(ctx context.Context, agentID, id string, enabled bool) error {
	query := "UPDATE cron_jobs SET enabled = ? WHERE id = ?"
	args := []any{boolInt(enabled), id}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set cron job enabled: %w", err)
	}
	return expectOne(res, "cron job", id)
}

// DeleteCronJob removes a job.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cron_jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return expectOne(res, "cron job", id)
}

// ClaimCronJob marks the job as run at now, but only when its previous run is
// older than window. It reports whether this caller won the claim, so two
// overlapping ticks never both fire the same job.
func (s *Store) ClaimCronJob(ctx context.Context, id string, now time.Time, window time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run = ?
		WHERE id = ? AND enabled = 1 AND (last_run IS NULL OR last_run < ?)`,
		toMillis(now), id, toMillis(now.Add(-window)))
	if err != nil {
		return false, fmt.Errorf("claim cron job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordCronRun stores the outcome of a run.
func (s *Store) RecordCronRun(ctx context.Context, id string, at time.Time, result string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cron_jobs SET last_run = ?, last_result = ? WHERE id = ?",
		toMillis(at), truncate(result, MaxResultLength), id)
	if err != nil {
		return fmt.Errorf("record cron run: %w", err)
	}
	return expectOne(res, "cron job", id)
}

func (s *Store) queryCronJobs(ctx context.Context, query string, args ...any) ([]*CronJobDef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJobDef
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanCronJob(row scanner) (*CronJobDef, error) {
	var (
		j       CronJobDef
		enabled int
		lastRun sql.NullInt64
		created int64
	)
	err := row.Scan(&j.ID, &j.AgentID, &j.Label, &j.Schedule, &j.Instruction, &enabled, &lastRun,
		&j.LastResult, &j.Position, &created)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled == 1
	if lastRun.Valid {
		j.LastRun = fromMillis(lastRun.Int64)
	}
	j.CreatedAt = fromMillis(created)
	return &j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
