package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/database"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "scheduler.db")})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db.DB, nil)
}

func addAgent(t *testing.T, st *store.Store, status store.AgentStatus) *store.Agent {
	t.Helper()
	ctx := context.Background()
	a := &store.Agent{Name: "cron-agent"}
	if err := st.CreateAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := st.SetAgentStatus(ctx, a.ID, status); err != nil {
		t.Fatal(err)
	}
	return a
}

func addJob(t *testing.T, st *store.Store, agentID, schedule, instruction string) *store.CronJobDef {
	t.Helper()
	j := &store.CronJobDef{AgentID: agentID, Label: instruction, Schedule: schedule, Instruction: instruction, Enabled: true}
	if err := st.AddCronJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

type recorder struct {
	calls atomic.Int64
	fail  map[string]bool
}

func (r *recorder) run(_ context.Context, job *store.CronJobDef) (string, error) {
	r.calls.Add(1)
	if r.fail[job.Instruction] {
		return "", errors.New("model unavailable")
	}
	return "done: " + job.Instruction, nil
}

func TestTickDedupWindow(t *testing.T) {
	st := newTestStore(t)
	a := addAgent(t, st, store.StatusActive)
	job := addJob(t, st, a.ID, "* * * * *", "report")

	rec := &recorder{}
	s := New(st, rec.run, config.SchedulerConfig{}, nil)
	ctx := context.Background()
	now := at(16, 9, 0)

	sum, err := s.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Checked != 1 || sum.Executed != 1 || sum.Errors != 0 {
		t.Fatalf("first tick = %+v", sum)
	}

	got, err := st.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastRun.Equal(now) || got.LastResult != "done: report" {
		t.Errorf("recorded run = %s %q", got.LastRun, got.LastResult)
	}

	for _, later := range []time.Duration{0, 30 * time.Second, 55 * time.Second} {
		sum, _ := s.Tick(ctx, now.Add(later))
		if sum.Executed != 0 {
			t.Errorf("tick at +%s executed %d jobs, want 0", later, sum.Executed)
		}
	}
	if sum, _ := s.Tick(ctx, now.Add(time.Minute)); sum.Executed != 1 {
		t.Errorf("tick at +1m executed %d jobs, want 1", sum.Executed)
	}
	if n := rec.calls.Load(); n != 2 {
		t.Errorf("runner called %d times, want 2", n)
	}

	logs, err := st.ListActivity(ctx, a.ID, store.ActivityCronRun, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Errorf("got %d cron activity entries, want 2", len(logs))
	}
}

func TestTickSkipsInactiveAgentsAndNonMatching(t *testing.T) {
	st := newTestStore(t)
	paused := addAgent(t, st, store.StatusPaused)
	active := addAgent(t, st, store.StatusActive)
	addJob(t, st, paused.ID, "* * * * *", "paused job")
	addJob(t, st, active.ID, "0 9 * * *", "morning")

	rec := &recorder{}
	s := New(st, rec.run, config.SchedulerConfig{}, nil)

	sum, err := s.Tick(context.Background(), at(16, 10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 1 || sum.Executed != 0 {
		t.Errorf("summary = %+v, want 1 checked, 0 executed", sum)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	st := newTestStore(t)
	a := addAgent(t, st, store.StatusActive)
	broken := addJob(t, st, a.ID, "* * * * *", "broken")
	ok := addJob(t, st, a.ID, "* * * * *", "fine")
	addJob(t, st, a.ID, "every morning", "invalid")

	rec := &recorder{fail: map[string]bool{"broken": true}}
	s := New(st, rec.run, config.SchedulerConfig{}, nil)
	ctx := context.Background()

	sum, err := s.Tick(ctx, at(16, 9, 0))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sum.Checked != 3 || sum.Executed != 2 || sum.Errors != 2 {
		t.Errorf("summary = %+v, want 3 checked, 2 executed, 2 errors", sum)
	}

	b, _ := st.GetCronJob(ctx, broken.ID)
	if !strings.HasPrefix(b.LastResult, "error: ") {
		t.Errorf("broken job result = %q", b.LastResult)
	}
	f, _ := st.GetCronJob(ctx, ok.ID)
	if f.LastResult != "done: fine" {
		t.Errorf("fine job result = %q", f.LastResult)
	}
}

func TestTickRecoversPanics(t *testing.T) {
	st := newTestStore(t)
	a := addAgent(t, st, store.StatusActive)
	job := addJob(t, st, a.ID, "* * * * *", "boom")

	s := New(st, func(context.Context, *store.CronJobDef) (string, error) {
		panic("nil pointer")
	}, config.SchedulerConfig{}, nil)

	sum, err := s.Tick(context.Background(), at(16, 9, 0))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Errors != 1 {
		t.Errorf("errors = %d, want 1", sum.Errors)
	}
	got, _ := st.GetCronJob(context.Background(), job.ID)
	if !strings.Contains(got.LastResult, "panic") {
		t.Errorf("result = %q", got.LastResult)
	}
}

func TestConcurrentTicksFireOnce(t *testing.T) {
	st := newTestStore(t)
	a := addAgent(t, st, store.StatusActive)
	addJob(t, st, a.ID, "* * * * *", "once")

	rec := &recorder{}
	s := New(st, rec.run, config.SchedulerConfig{}, nil)
	now := at(16, 9, 0)

	var (
		wg       sync.WaitGroup
		executed atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := s.Tick(context.Background(), now)
			if err != nil {
				t.Error(err)
				return
			}
			executed.Add(int64(sum.Executed))
		}()
	}
	wg.Wait()

	if executed.Load() != 1 || rec.calls.Load() != 1 {
		t.Errorf("executed %d, runner called %d times; want exactly once", executed.Load(), rec.calls.Load())
	}
}

func TestJobTimeout(t *testing.T) {
	st := newTestStore(t)
	a := addAgent(t, st, store.StatusActive)
	job := addJob(t, st, a.ID, "* * * * *", "slow")

	s := New(st, func(ctx context.Context, _ *store.CronJobDef) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, config.SchedulerConfig{JobTimeout: 20 * time.Millisecond}, nil)

	sum, _ := s.Tick(context.Background(), at(16, 9, 0))
	if sum.Errors != 1 {
		t.Errorf("errors = %d, want 1", sum.Errors)
	}
	got, _ := st.GetCronJob(context.Background(), job.ID)
	if !strings.Contains(got.LastResult, "deadline exceeded") {
		t.Errorf("result = %q", got.LastResult)
	}
}
