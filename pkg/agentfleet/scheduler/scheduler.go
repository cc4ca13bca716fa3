// Package scheduler fires agents' cron jobs. Every minute Tick selects the
// enabled jobs of active agents whose expression matches, claims each one in
// the database so overlapping ticks cannot both fire it, and runs the claimed
// jobs concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// DefaultDedupWindow is the minimum time between two runs of the same job.
const DefaultDedupWindow = 55 * time.Second

// JobRunner executes one job and returns the agent's output.
type JobRunner func(ctx context.Context, job *store.CronJobDef) (string, error)

// Store is the persistence the scheduler needs.
type Store interface {
	ListSchedulableJobs(ctx context.Context) ([]*store.CronJobDef, error)
	ClaimCronJob(ctx context.Context, id string, now time.Time, window time.Duration) (bool, error)
	RecordCronRun(ctx context.Context, id string, at time.Time, result string) error
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
}

// Summary reports what one tick did. Errors counts invalid expressions,
// failed claims and failed runs.
type Summary struct {
	Checked  int `json:"checked"`
	Executed int `json:"executed"`
	Errors   int `json:"errors"`
}

// Scheduler runs cron jobs through a JobRunner.
type Scheduler struct {
	store      Store
	run        JobRunner
	window     time.Duration
	jobTimeout time.Duration
	logger     *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
}

// New creates a Scheduler.
func New(st Store, run JobRunner, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		store:      st,
		run:        run,
		window:     window,
		jobTimeout: timeout,
		logger:     logger.With("component", "scheduler"),
	}
}

// Tick runs every due job for now and waits for them to finish. It only
// returns an error when the job list cannot be loaded.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary

	jobs, err := s.store.ListSchedulableJobs(ctx)
	if err != nil {
		return sum, fmt.Errorf("load jobs: %w", err)
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for _, job := range jobs {
		sum.Checked++

		expr, err := Parse(job.Schedule)
		if err != nil {
			sum.Errors++
			s.logger.Warn("skipping job with invalid schedule",
				"id", job.ID, "agent", job.AgentID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !expr.Matches(now) || !s.due(job, now) {
			continue
		}

		claimed, err := s.store.ClaimCronJob(ctx, job.ID, now, s.window)
		if err != nil {
			sum.Errors++
			s.logger.Error("failed to claim job", "id", job.ID, "error", err)
			continue
		}
		if !claimed {
			s.logger.Debug("job already claimed", "id", job.ID)
			continue
		}

		sum.Executed++
		wg.Add(1)
		go func(job *store.CronJobDef) {
			defer wg.Done()
			if !s.execute(ctx, job, now) {
				failed.Add(1)
			}
		}(job)
	}
	wg.Wait()

	sum.Errors += int(failed.Load())
	if sum.Executed > 0 || sum.Errors > 0 {
		s.logger.Info("tick completed",
			"checked", sum.Checked, "executed", sum.Executed, "errors", sum.Errors)
	}
	return sum, nil
}

// due applies the dedup window before the atomic claim.
func (s *Scheduler) due(job *store.CronJobDef, now time.Time) bool {
	return job.LastRun.IsZero() || now.Sub(job.LastRun) > s.window
}

// execute runs one claimed job and records its outcome. The run is stamped
// with the tick time so the next minute's tick is never inside the window.
func (s *Scheduler) execute(ctx context.Context, job *store.CronJobDef, at time.Time) (ok bool) {
	start := time.Now()
	var (
		result string
		runErr error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
		result, runErr = s.run(runCtx, job)
	}()

	duration := time.Since(start)
	outcome := result
	if runErr != nil {
		outcome = "error: " + runErr.Error()
		s.logger.Error("scheduled job failed",
			"id", job.ID, "agent", job.AgentID, "error", runErr, "duration", duration)
	} else {
		s.logger.Info("scheduled job completed",
			"id", job.ID, "agent", job.AgentID, "result_len", len(result), "duration", duration)
	}

	// Recording must survive the caller's cancellation.
	recCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordCronRun(recCtx, job.ID, at, outcome); err != nil {
		s.logger.Error("failed to record job run", "id", job.ID, "error", err)
	}
	label := job.Label
	if label == "" {
		label = job.ID
	}
	msg := fmt.Sprintf("Cron job %q ran", label)
	if runErr != nil {
		msg = fmt.Sprintf("Cron job %q failed: %v", label, runErr)
	}
	_ = s.store.LogActivity(recCtx, job.AgentID, store.ActivityCronRun, msg, map[string]any{
		"job_id":      job.ID,
		"schedule":    job.Schedule,
		"ok":          runErr == nil,
		"duration_ms": duration.Milliseconds(),
	})
	return runErr == nil
}

// Start triggers Tick at the start of every minute until ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc("* * * * *", func() {
		if _, err := s.Tick(ctx, time.Now().Truncate(time.Minute)); err != nil {
			s.logger.Error("tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register minute trigger: %w", err)
	}
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("scheduler started", "dedup_window", s.window, "job_timeout", s.jobTimeout)
	return nil
}

// Stop halts the minute trigger and waits for a running tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}
