// Package scheduler implements the Scheduler (component G): computes each
// Job's next fire time from its Schedule, wakes on a tick or on a reactive
// pgnotify table-change event, checks the Job's Dependencies before handing
// it to the Execution Runner, and advances the Job's status and NextRunAt.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/datacore/execution-core/infrastructure/logging"
	"github.com/datacore/execution-core/infrastructure/utils"
	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/runner"
	"github.com/datacore/execution-core/pkg/pgnotify"
)

// Gateway is the persistence seam the Scheduler needs. It embeds the
// dependency lookup the Runner also needs (runner.DependencyGateway), so
// DependenciesMet can be called with the same Gateway value without either
// package importing the other's concrete type.
type Gateway interface {
	ListEnabledJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJobNextRun(ctx context.Context, jobID string, next *time.Time) error
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
	CreateExecution(ctx context.Context, exec domain.JobExecution) (domain.JobExecution, error)
	LatestExecutionForJob(ctx context.Context, jobID string) (domain.JobExecution, error)
}

// Enqueuer hands a due job off to the Execution Runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job, exec domain.JobExecution) error
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireTime computes the smallest time strictly after `after` at which s
// next fires, per its Kind (spec 4.G).
//
// For ScheduleRecurring this is the anchored grid point
// Start + k*IntervalCount*IntervalUnit (k >= 0) rather than after+interval,
// so the fire times never drift off the original anchor no matter how late
// a tick runs. For ScheduleCron, `after` is first converted into the
// schedule's IANA zone so that DST transitions are handled the way a human
// reading a cron table in that zone would expect (spec Design Notes).
func NextFireTime(s domain.Schedule, after time.Time) (time.Time, error) {
	switch s.Kind {
	case domain.ScheduleCron:
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", s.CronExpr, err)
		}
		return schedule.Next(after.In(loc)), nil
	case domain.ScheduleRecurring:
		return nextGridFire(s, after)
	case domain.ScheduleOnce:
		if s.RunAt.After(after) {
			return s.RunAt, nil
		}
		return time.Time{}, fmt.Errorf("once schedule already elapsed")
	case domain.ScheduleManual:
		return time.Time{}, fmt.Errorf("manual schedule has no computed next fire time")
	case domain.ScheduleImmediate:
		return time.Time{}, fmt.Errorf("immediate schedule fires once and has no recomputed next fire time")
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// nextGridFire returns the smallest grid point of the form
// Start + k*IntervalCount*IntervalUnit, k >= 0, that is strictly after
// `after`. Month-unit intervals use calendar-aware AddDate arithmetic since
// a month has no fixed duration; every other unit uses fixed-duration
// arithmetic so the grid never drifts.
func nextGridFire(s domain.Schedule, after time.Time) (time.Time, error) {
	if s.IntervalCount <= 0 {
		return time.Time{}, fmt.Errorf("recurring schedule must have a positive interval_count")
	}
	if s.IntervalUnit == domain.IntervalMonths {
		if after.Before(s.Start) {
			return s.Start, nil
		}
		k := int64(1)
		for !s.Start.AddDate(0, s.IntervalCount*int(k), 0).After(after) {
			k++
		}
		return s.Start.AddDate(0, s.IntervalCount*int(k), 0), nil
	}

	step := s.IntervalUnit.Duration() * time.Duration(s.IntervalCount)
	if step <= 0 {
		return time.Time{}, fmt.Errorf("unknown interval unit %q", s.IntervalUnit)
	}
	if after.Before(s.Start) {
		return s.Start, nil
	}
	elapsed := after.Sub(s.Start)
	k := int64(elapsed/step) + 1
	return s.Start.Add(step * time.Duration(k)), nil
}

// Config controls the Scheduler's polling cadence.
type Config struct {
	TickPeriod      time.Duration
	LookaheadWindow time.Duration
	CatchUpLimit    int
}

// Scheduler owns the tick loop and the reactive subscription.
type Scheduler struct {
	cfg      Config
	gateway  Gateway
	enqueuer Enqueuer
	bus      *pgnotify.Bus
	logger   *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, gw Gateway, enq Enqueuer, bus *pgnotify.Bus, logger *logging.Logger) *Scheduler {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 5 * time.Second
	}
	if cfg.LookaheadWindow <= 0 {
		cfg.LookaheadWindow = cfg.TickPeriod
	}
	if cfg.CatchUpLimit <= 0 {
		cfg.CatchUpLimit = 50
	}
	return &Scheduler{cfg: cfg, gateway: gw, enqueuer: enq, bus: bus, logger: logger}
}

// Start begins the tick loop and, if a pgnotify Bus was supplied, the
// reactive wake-up subscription for schedule-affecting mutations.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.OnUpdate("jobs", func(innerCtx context.Context, _, newRow map[string]interface{}) error {
			s.logger.Info(innerCtx, "scheduler woke on reactive job update", map[string]interface{}{"table": "jobs"})
			return s.tick(runCtx)
		}); err != nil {
			return fmt.Errorf("subscribe reactive wake-up: %w", err)
		}
	}

	s.wg.Add(1)
	utils.SafeGo(func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.tick(runCtx); err != nil {
					s.logger.WithError(err).Error("scheduler tick failed")
				}
			}
		}
	}, func(err error) {
		s.logger.WithError(err).Error("scheduler tick loop panicked")
	})
	return nil
}

// Shutdown cancels the tick loop and waits for it to drain.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick evaluates every enabled job whose NextRunAt falls within
// LookaheadWindow of now, skips manual
// schedules (which only fire on an explicit trigger, never on a tick),
// defers jobs whose Dependencies aren't yet satisfied to the next tick, and
// otherwise enqueues an execution and advances NextRunAt. At most
// CatchUpLimit jobs are advanced per tick, to bound how much a Scheduler
// outage can burst on recovery.
func (s *Scheduler) tick(ctx context.Context) error {
	jobs, err := s.gateway.ListEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("list enabled jobs: %w", err)
	}

	now := time.Now()
	processed := 0
	for _, job := range jobs {
		if processed >= s.cfg.CatchUpLimit {
			break
		}
		if job.Schedule.Kind == domain.ScheduleManual {
			continue
		}
		if job.NextRunAt == nil || job.NextRunAt.After(now.Add(s.cfg.LookaheadWindow)) {
			continue
		}

		met, err := runner.DependenciesMet(ctx, s.gateway, job)
		if err != nil {
			s.logger.WithError(err).Error("dependency check failed")
			continue
		}
		if !met {
			// Left due with the job still "scheduled"; re-checked next tick.
			continue
		}

		exec := domain.JobExecution{
			JobID:    job.ID,
			Status:   domain.ExecutionQueued,
			Trigger:  domain.TriggerScheduled,
			Priority: job.Priority,
			QueuedAt: now,
			Attempt:  1,
		}
		created, err := s.gateway.CreateExecution(ctx, exec)
		if err != nil {
			s.logger.WithError(err).Error("create execution failed")
			continue
		}
		if err := s.enqueuer.Enqueue(ctx, job, created); err != nil {
			// Runner queue is full or otherwise couldn't admit the execution;
			// leave the job "scheduled" and NextRunAt untouched so the next
			// tick retries the same due execution.
			s.logger.WithError(err).Error("enqueue execution failed")
			continue
		}
		if err := s.gateway.UpdateJobStatus(ctx, job.ID, domain.JobRunning); err != nil {
			s.logger.WithError(err).Error("update job status failed")
		}

		switch job.Schedule.Kind {
		case domain.ScheduleOnce, domain.ScheduleImmediate:
			if err := s.gateway.UpdateJobNextRun(ctx, job.ID, nil); err != nil {
				s.logger.WithError(err).Error("clear job next run failed")
			}
		default:
			from := now
			if job.NextRunAt.After(from) {
				from = *job.NextRunAt
			}
			next, err := NextFireTime(job.Schedule, from)
			if err != nil {
				s.logger.WithError(err).Warn("could not compute next fire time; clearing next run")
				if err := s.gateway.UpdateJobNextRun(ctx, job.ID, nil); err != nil {
					s.logger.WithError(err).Error("clear job next run failed")
				}
			} else if err := s.gateway.UpdateJobNextRun(ctx, job.ID, &next); err != nil {
				s.logger.WithError(err).Error("update job next run failed")
			}
		}
		processed++
	}
	return nil
}
