package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/datacore/execution-core/infrastructure/logging"
	"github.com/datacore/execution-core/internal/domain"
)

type fakeGateway struct {
	jobs       []domain.Job
	executions map[string]domain.JobExecution // job ID -> latest execution
	statuses   map[string]domain.JobStatus
	nextRuns   map[string]*time.Time
	created    []domain.JobExecution
}

func newFakeGateway(jobs []domain.Job) *fakeGateway {
	return &fakeGateway{
		jobs:       jobs,
		executions: map[string]domain.JobExecution{},
		statuses:   map[string]domain.JobStatus{},
		nextRuns:   map[string]*time.Time{},
	}
}

func (g *fakeGateway) ListEnabledJobs(ctx context.Context) ([]domain.Job, error) { return g.jobs, nil }

func (g *fakeGateway) UpdateJobNextRun(ctx context.Context, jobID string, next *time.Time) error {
	g.nextRuns[jobID] = next
	return nil
}

func (g *fakeGateway) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	g.statuses[jobID] = status
	return nil
}

func (g *fakeGateway) CreateExecution(ctx context.Context, exec domain.JobExecution) (domain.JobExecution, error) {
	exec.ID = "exec-" + exec.JobID
	g.created = append(g.created, exec)
	return exec, nil
}

func (g *fakeGateway) LatestExecutionForJob(ctx context.Context, jobID string) (domain.JobExecution, error) {
	return g.executions[jobID], nil
}

type fakeEnqueuer struct {
	enqueued []domain.JobExecution
	fail     bool
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, job domain.Job, exec domain.JobExecution) error {
	if e.fail {
		return errFakeQueueFull
	}
	e.enqueued = append(e.enqueued, exec)
	return nil
}

var errFakeQueueFull = fakeErr("queue full")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func testLogger() *logging.Logger { return logging.New("scheduler-test", "error", "text") }

func TestNextFireTimeCron(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	s := domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "0 * * * *", Timezone: "UTC"}

	got, err := NextFireTime(s, after)
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	want := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextFireTime() = %v, want %v", got, want)
	}
}

func TestNextFireTimeCronInvalidTimezoneFallsBackToUTC(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	s := domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "0 * * * *", Timezone: "Not/AZone"}

	got, err := NextFireTime(s, after)
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	if got.Location() != time.UTC && got.UTC().Hour() != 11 {
		t.Fatalf("NextFireTime() with bad timezone = %v, want fallback to UTC hour 11", got)
	}
}

func TestNextFireTimeCronInvalidExpr(t *testing.T) {
	s := domain.Schedule{Kind: domain.ScheduleCron, CronExpr: "not a cron expr", Timezone: "UTC"}
	if _, err := NextFireTime(s, time.Now()); err == nil {
		t.Fatalf("NextFireTime() with invalid cron expr should error")
	}
}

func TestNextFireTimeRecurringAnchoredGrid(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Schedule{Kind: domain.ScheduleRecurring, Start: start, IntervalCount: 15, IntervalUnit: domain.IntervalMinutes}

	got, err := NextFireTime(s, start.Add(14*time.Minute+59*time.Second))
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	want := start.Add(15 * time.Minute)
	if !got.Equal(want) {
		t.Fatalf("NextFireTime() = %v, want %v", got, want)
	}

	// Computing the next grid point from the fire time itself (as tick()
	// does right after enqueuing) must land on the following grid point, not
	// re-fire the one just handled.
	got2, err := NextFireTime(s, want)
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	want2 := start.Add(30 * time.Minute)
	if !got2.Equal(want2) {
		t.Fatalf("NextFireTime() = %v, want %v", got2, want2)
	}
}

func TestNextFireTimeRecurringBeforeStartReturnsStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Schedule{Kind: domain.ScheduleRecurring, Start: start, IntervalCount: 1, IntervalUnit: domain.IntervalHours}

	got, err := NextFireTime(s, start.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	if !got.Equal(start) {
		t.Fatalf("NextFireTime() = %v, want %v", got, start)
	}
}

func TestNextFireTimeRecurringMonthlyGrid(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	s := domain.Schedule{Kind: domain.ScheduleRecurring, Start: start, IntervalCount: 1, IntervalUnit: domain.IntervalMonths}

	got, err := NextFireTime(s, start)
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	want := start.AddDate(0, 1, 0)
	if !got.Equal(want) {
		t.Fatalf("NextFireTime() = %v, want %v", got, want)
	}
}

func TestNextFireTimeRecurringNonPositiveIntervalCount(t *testing.T) {
	s := domain.Schedule{Kind: domain.ScheduleRecurring, Start: time.Now(), IntervalCount: 0, IntervalUnit: domain.IntervalMinutes}
	if _, err := NextFireTime(s, time.Now()); err == nil {
		t.Fatalf("NextFireTime() with non-positive interval_count should error")
	}
}

func TestNextFireTimeOnce(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	runAt := after.Add(time.Hour)
	s := domain.Schedule{Kind: domain.ScheduleOnce, RunAt: runAt}

	got, err := NextFireTime(s, after)
	if err != nil {
		t.Fatalf("NextFireTime() error = %v", err)
	}
	if !got.Equal(runAt) {
		t.Fatalf("NextFireTime() = %v, want %v", got, runAt)
	}

	if _, err := NextFireTime(s, runAt.Add(time.Minute)); err == nil {
		t.Fatalf("NextFireTime() for an already-elapsed once schedule should error")
	}
}

func TestNextFireTimeManualHasNoComputedFireTime(t *testing.T) {
	s := domain.Schedule{Kind: domain.ScheduleManual}
	if _, err := NextFireTime(s, time.Now()); err == nil {
		t.Fatalf("NextFireTime() for a manual schedule should error")
	}
}

func TestNextFireTimeImmediateHasNoRecomputedFireTime(t *testing.T) {
	s := domain.Schedule{Kind: domain.ScheduleImmediate}
	if _, err := NextFireTime(s, time.Now()); err == nil {
		t.Fatalf("NextFireTime() for an immediate schedule should error")
	}
}

func TestNextFireTimeUnknownKind(t *testing.T) {
	s := domain.Schedule{Kind: domain.ScheduleKind("bogus")}
	if _, err := NextFireTime(s, time.Now()); err == nil {
		t.Fatalf("NextFireTime() for an unknown kind should error")
	}
}

func TestTickSkipsManualSchedule(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	jobs := []domain.Job{{ID: "j1", Schedule: domain.Schedule{Kind: domain.ScheduleManual}, NextRunAt: &due}}
	gw := newFakeGateway(jobs)
	enq := &fakeEnqueuer{}
	s := New(Config{}, gw, enq, nil, testLogger())

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("tick() should never enqueue a manual-schedule job, got %d", len(enq.enqueued))
	}
}

func TestTickDefersJobWithUnmetDependency(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	jobs := []domain.Job{{
		ID:           "j1",
		Schedule:     domain.Schedule{Kind: domain.ScheduleRecurring, Start: due, IntervalCount: 1, IntervalUnit: domain.IntervalHours},
		NextRunAt:    &due,
		Dependencies: []string{"upstream"},
	}}
	gw := newFakeGateway(jobs)
	gw.executions["upstream"] = domain.JobExecution{Status: domain.ExecutionRunning}
	enq := &fakeEnqueuer{}
	s := New(Config{}, gw, enq, nil, testLogger())

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("tick() should defer a job whose dependency hasn't completed, got %d enqueued", len(enq.enqueued))
	}
	if _, ok := gw.statuses["j1"]; ok {
		t.Fatalf("tick() should not touch job status while a dependency is unmet")
	}
}

func TestTickEnqueuesAndAdvancesRecurringJob(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	jobs := []domain.Job{{
		ID:           "j1",
		Priority:     7,
		Schedule:     domain.Schedule{Kind: domain.ScheduleRecurring, Start: due, IntervalCount: 15, IntervalUnit: domain.IntervalMinutes},
		NextRunAt:    &due,
		Dependencies: []string{"upstream"},
	}}
	gw := newFakeGateway(jobs)
	gw.executions["upstream"] = domain.JobExecution{Status: domain.ExecutionCompleted}
	enq := &fakeEnqueuer{}
	s := New(Config{}, gw, enq, nil, testLogger())

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if len(enq.enqueued) != 1 {
		t.Fatalf("tick() enqueued = %d, want 1", len(enq.enqueued))
	}
	if enq.enqueued[0].Priority != 7 {
		t.Fatalf("enqueued execution priority = %d, want 7 (copied from job)", enq.enqueued[0].Priority)
	}
	if enq.enqueued[0].Trigger != domain.TriggerScheduled {
		t.Fatalf("enqueued execution trigger = %q, want %q", enq.enqueued[0].Trigger, domain.TriggerScheduled)
	}
	if gw.statuses["j1"] != domain.JobRunning {
		t.Fatalf("job status = %q, want %q", gw.statuses["j1"], domain.JobRunning)
	}
	next := gw.nextRuns["j1"]
	if next == nil || !next.After(due) {
		t.Fatalf("tick() should advance NextRunAt past the fired grid point, got %v", next)
	}
}

func TestTickClearsNextRunForOnceSchedule(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	jobs := []domain.Job{{ID: "j1", Schedule: domain.Schedule{Kind: domain.ScheduleOnce, RunAt: due}, NextRunAt: &due}}
	gw := newFakeGateway(jobs)
	enq := &fakeEnqueuer{}
	s := New(Config{}, gw, enq, nil, testLogger())

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	next, ok := gw.nextRuns["j1"]
	if !ok || next != nil {
		t.Fatalf("tick() should clear NextRunAt for a fired once schedule, got %v", next)
	}
}

func TestTickLeavesJobScheduledWhenEnqueueFails(t *testing.T) {
	due := time.Now().Add(-time.Minute)
	jobs := []domain.Job{{ID: "j1", Schedule: domain.Schedule{Kind: domain.ScheduleOnce, RunAt: due}, NextRunAt: &due}}
	gw := newFakeGateway(jobs)
	enq := &fakeEnqueuer{fail: true}
	s := New(Config{}, gw, enq, nil, testLogger())

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("tick() should not record an enqueue that failed")
	}
	if _, ok := gw.statuses["j1"]; ok {
		t.Fatalf("tick() should not mark the job running when enqueue failed")
	}
	if _, ok := gw.nextRuns["j1"]; ok {
		t.Fatalf("tick() should leave NextRunAt untouched so the next tick retries, got an update")
	}
}
