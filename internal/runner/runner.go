// Package runner implements the Execution Runner (component H): a bounded
// concurrency pool that pulls pending JobExecutions off a priority queue
// keyed by (priority desc, queued_at asc), admits at most one running
// execution per Job at a time, applies the Job's Mapping against records
// read from the source Connector and written to the target Connector,
// retries failed attempts per the Job's own retry policy, and checkpoints
// progress so a crash resumes instead of restarting from scratch.
package runner

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
	"github.com/datacore/execution-core/infrastructure/logging"
	inframetrics "github.com/datacore/execution-core/infrastructure/metrics"
	"github.com/datacore/execution-core/infrastructure/resilience"
	"github.com/datacore/execution-core/infrastructure/utils"
	"github.com/datacore/execution-core/internal/connector"
	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/mapping"
	"github.com/datacore/execution-core/internal/value"
)

// maxCheckpointsKept bounds the JobExecution.Checkpoint history retained per
// execution (SPEC_FULL "Execution checkpoint retention").
const maxCheckpointsKept = 200

// idlePoll bounds how long a worker waits before re-scanning the queue when
// every queued item belongs to a Job that already has a running execution.
const idlePoll = 200 * time.Millisecond

// Gateway is the persistence seam the Runner needs.
type Gateway interface {
	GetMapping(ctx context.Context, id string) (domain.Mapping, error)
	GetSchema(ctx context.Context, id string) (domain.Schema, error)
	UpdateExecution(ctx context.Context, exec domain.JobExecution) error
	CreateExecution(ctx context.Context, exec domain.JobExecution) (domain.JobExecution, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
}

// DependencyGateway is the narrow seam DependenciesMet needs — satisfied
// structurally by both runner.Gateway and scheduler.Gateway implementations
// without either package importing the other.
type DependencyGateway interface {
	LatestExecutionForJob(ctx context.Context, jobID string) (domain.JobExecution, error)
}

// DependenciesMet reports whether every job ID in job.Dependencies names a
// job whose most recent execution is completed (spec 4.H). A job with no
// dependencies is always met.
func DependenciesMet(ctx context.Context, gw DependencyGateway, job domain.Job) (bool, error) {
	for _, depID := range job.Dependencies {
		exec, err := gw.LatestExecutionForJob(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("dependency %q: %w", depID, err)
		}
		if exec.Status != domain.ExecutionCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ConnectorRegistry resolves a System's Connector by its System ID.
type ConnectorRegistry interface {
	ReadWriterFor(systemID string) (connector.ReadWriter, error)
}

// Config controls the pool's concurrency and retry policy.
type Config struct {
	MaxConcurrency int
	QueueCapacity  int
	MaxRetries     int
	DefaultTimeout time.Duration
	RetryBaseDelay time.Duration
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		QueueCapacity:  1000,
		MaxRetries:     3,
		DefaultTimeout: 5 * time.Minute,
		RetryBaseDelay: 500 * time.Millisecond,
		BatchSize:      500,
	}
}

// queueItem is one pending (job, execution) pair awaiting admission.
type queueItem struct {
	j        domain.Job
	exec     domain.JobExecution
	queuedAt time.Time
	index    int
}

// priorityQueue orders queueItems by (priority desc, queuedAt asc), spec
// 4.H's admission order.
type priorityQueue []*queueItem

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].j.Priority != q[j].j.Priority {
		return q[i].j.Priority > q[j].j.Priority
	}
	return q[i].queuedAt.Before(q[j].queuedAt)
}
func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Runner owns the worker pool.
type Runner struct {
	cfg        Config
	gateway    Gateway
	connectors ConnectorRegistry
	engine     *mapping.Engine
	logger     *logging.Logger
	metrics    *inframetrics.Metrics

	mu           sync.Mutex
	pq           priorityQueue
	runningJobs  map[string]struct{}
	notify       chan struct{}

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	inFlight int32
}

func New(cfg Config, gw Gateway, connectors ConnectorRegistry, engine *mapping.Engine, logger *logging.Logger, metrics *inframetrics.Metrics) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Runner{
		cfg:         cfg,
		gateway:     gw,
		connectors:  connectors,
		engine:      engine,
		logger:      logger,
		metrics:     metrics,
		runningJobs: map[string]struct{}{},
		notify:      make(chan struct{}, 1),
	}
}

// gaugeSnapshot reports the current queue depth and in-flight execution
// count to the Metrics gauge pair, called around each execution's lifetime.
func (r *Runner) gaugeSnapshot() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	depth := len(r.pq)
	r.mu.Unlock()
	r.metrics.SetRunnerGauges(depth, int(atomic.LoadInt32(&r.inFlight)))
}

// wake signals idle workers that the queue state changed.
func (r *Runner) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Enqueue implements scheduler.Enqueuer, pushing a (job, execution) pair
// onto the priority queue keyed by (priority desc, queued_at asc).
func (r *Runner) Enqueue(ctx context.Context, j domain.Job, exec domain.JobExecution) error {
	r.mu.Lock()
	if len(r.pq) >= r.cfg.QueueCapacity {
		r.mu.Unlock()
		return coreerrors.New(coreerrors.CodeRateLimited, "execution queue is full", 503).
			WithDetails("queue_capacity", r.cfg.QueueCapacity)
	}
	queuedAt := exec.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	heap.Push(&r.pq, &queueItem{j: j, exec: exec, queuedAt: queuedAt})
	r.mu.Unlock()
	r.wake()
	r.gaugeSnapshot()
	return nil
}

// Start launches MaxConcurrency workers pulling from the priority queue.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	for i := 0; i < r.cfg.MaxConcurrency; i++ {
		r.wg.Add(1)
		utils.SafeGo(func() { r.worker(runCtx) }, func(err error) {
			r.logger.WithError(err).Error("runner worker panicked")
		})
	}
	return nil
}

// Shutdown stops accepting new work and waits for in-flight executions to
// finish draining, bounded by ctx's deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker repeatedly admits the highest-priority queued item whose Job has
// no execution currently running (spec 5's "Runner will not admit a new
// execution for a Job whose prior execution is running"), skipping over
// blocked items rather than stalling behind them.
func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item := r.tryAdmit()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
			case <-time.After(idlePoll):
			}
			continue
		}

		r.run(ctx, item.j, item.exec)
		r.releaseJob(item.j.ID)
		r.wake() // releasing a job may unblock another queued item for it
	}
}

// tryAdmit pops the highest-priority queued item whose job is not already
// running, marking that job in-flight. Returns nil if every queued item's
// job is currently running (or the queue is empty).
func (r *Runner) tryAdmit() *queueItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestIdx := -1
	for i, it := range r.pq {
		if _, running := r.runningJobs[it.j.ID]; running {
			continue
		}
		if bestIdx == -1 || r.pq.Less(i, bestIdx) {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil
	}
	item := heap.Remove(&r.pq, bestIdx).(*queueItem)
	r.runningJobs[item.j.ID] = struct{}{}
	return item
}

func (r *Runner) releaseJob(jobID string) {
	r.mu.Lock()
	delete(r.runningJobs, jobID)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, j domain.Job, exec domain.JobExecution) {
	atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	r.gaugeSnapshot()
	defer r.gaugeSnapshot()

	timeout := r.cfg.DefaultTimeout
	if j.TimeoutSeconds != nil && *j.TimeoutSeconds > 0 {
		timeout = time.Duration(*j.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now()
	exec.Status = domain.ExecutionRunning
	exec.StartedAt = &now
	if err := r.gateway.UpdateExecution(execCtx, exec); err != nil {
		r.logger.WithError(err).Error("mark execution running failed")
	}

	err := r.execute(execCtx, j, &exec)

	finished := time.Now()
	exec.FinishedAt = &finished
	var jobStatus domain.JobStatus
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			exec.Status = domain.ExecutionTimedOut
			exec.ErrorCode = string(coreerrors.CodeExecutionTimeout)
		} else {
			exec.Status = domain.ExecutionFailed
			if ce := coreerrors.AsCoreError(err); ce != nil {
				exec.ErrorCode = string(ce.Code)
			} else {
				exec.ErrorCode = string(coreerrors.CodeInternal)
			}
		}
		exec.ErrorMessage = err.Error()
		jobStatus = domain.JobFailed
		r.maybeRetry(ctx, j, exec)
	} else {
		exec.Status = domain.ExecutionCompleted
		jobStatus = terminalJobStatus(j.Schedule.Kind)
	}

	r.logger.LogExecution(ctx, exec.ID, j.ID, string(exec.Status), err)
	if r.metrics != nil {
		r.metrics.RecordExecution("execution-core", string(exec.Status), string(j.Schedule.Kind), j.ID, finished.Sub(now))
	}
	if uerr := r.gateway.UpdateExecution(ctx, exec); uerr != nil {
		r.logger.WithError(uerr).Error("persist execution result failed")
	}
	if uerr := r.gateway.UpdateJobStatus(ctx, j.ID, jobStatus); uerr != nil {
		r.logger.WithError(uerr).Error("update job status failed")
	}
}

// terminalJobStatus reports what a Job's status becomes after one of its
// executions completes successfully: once/immediate/manual schedules are
// one-shot and become completed, recurring/cron schedules return to
// scheduled for their next firing (spec 4.G's status state machine).
func terminalJobStatus(kind domain.ScheduleKind) domain.JobStatus {
	switch kind {
	case domain.ScheduleRecurring, domain.ScheduleCron:
		return domain.JobScheduled
	default:
		return domain.JobCompleted
	}
}

// execute reads the mapping's source schema in batches, applies the mapping,
// and writes each resulting batch to the target connector, checkpointing
// the cursor between batches.
func (r *Runner) execute(ctx context.Context, j domain.Job, exec *domain.JobExecution) error {
	m, err := r.gateway.GetMapping(ctx, j.MappingID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}
	sourceSchema, err := r.gateway.GetSchema(ctx, m.SourceSchemaID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}
	targetSchema, err := r.gateway.GetSchema(ctx, m.TargetSchemaID)
	if err != nil {
		return coreerrors.StorageUnavailable(err)
	}

	source, err := r.connectors.ReadWriterFor(sourceSchema.SystemID)
	if err != nil {
		return coreerrors.ConnectorError(coreerrors.CodeConnUnavailable, sourceSchema.SystemID, err)
	}
	target, err := r.connectors.ReadWriterFor(targetSchema.SystemID)
	if err != nil {
		return coreerrors.ConnectorError(coreerrors.CodeConnUnavailable, targetSchema.SystemID, err)
	}

	continueOnError, _ := j.Configuration["continue_on_error"].(bool)

	cursor := checkpointCursor(exec.Checkpoint)
	cb := resilience.New(resilience.DefaultConfig())

	for {
		var records []value.Value
		var next string
		var done bool
		readErr := cb.Execute(ctx, func() error {
			recs, n, d, err := source.Read(ctx, sourceSchema, cursor, r.cfg.BatchSize)
			if err != nil {
				return err
			}
			records, next, done = recs, n, d
			return nil
		})
		if readErr != nil {
			return coreerrors.ConnectorError(coreerrors.CodeConnIO, sourceSchema.SystemID, readErr)
		}

		applied, _, applyErr := r.engine.ApplyBatch(ctx, m, records, continueOnError)
		if applyErr != nil {
			return coreerrors.SandboxError(coreerrors.CodeSandboxRuntime, "mapping apply failed", applyErr)
		}

		if len(applied) > 0 {
			writeErr := cb.Execute(ctx, func() error {
				return target.Write(ctx, targetSchema, applied)
			})
			if writeErr != nil {
				return coreerrors.ConnectorError(coreerrors.CodeConnIO, targetSchema.SystemID, writeErr)
			}
		}

		cursor = next
		exec.Checkpoint = appendCheckpoint(exec.Checkpoint, cursor)
		if saveErr := r.gateway.UpdateExecution(ctx, *exec); saveErr != nil {
			r.logger.WithError(saveErr).Warn("checkpoint persist failed")
		}

		if done {
			return nil
		}
	}
}

// maybeRetry enqueues a retry execution chained via ParentExecutionID when
// the failed attempt hasn't exhausted the Job's own MaxRetries (falling
// back to the Runner-wide default only when the Job leaves it unset).
func (r *Runner) maybeRetry(ctx context.Context, j domain.Job, failed domain.JobExecution) {
	maxRetries := j.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.MaxRetries
	}
	if failed.RetryCount >= maxRetries {
		return
	}

	delay := r.cfg.RetryBaseDelay
	if j.RetryDelaySeconds > 0 {
		delay = time.Duration(j.RetryDelaySeconds) * time.Second
	}

	parent := failed.ID
	retry := domain.JobExecution{
		JobID:             j.ID,
		ParentExecutionID: &parent,
		Status:            domain.ExecutionQueued,
		Trigger:           domain.TriggerRetry,
		Priority:          j.Priority,
		Attempt:           failed.Attempt + 1,
		RetryCount:        failed.RetryCount + 1,
		Checkpoint:        failed.Checkpoint,
	}
	created, err := r.gateway.CreateExecution(ctx, retry)
	if err != nil {
		r.logger.WithError(err).Error("create retry execution failed")
		return
	}
	utils.SafeGo(func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		created.QueuedAt = time.Now()
		if err := r.Enqueue(ctx, j, created); err != nil {
			r.logger.WithError(err).Error("enqueue retry failed")
		}
	}, func(err error) {
		r.logger.WithError(err).Error("retry scheduling panicked")
	})
}

func checkpointCursor(checkpoint map[string]any) string {
	if checkpoint == nil {
		return ""
	}
	if c, ok := checkpoint["cursor"].(string); ok {
		return c
	}
	return ""
}

func appendCheckpoint(checkpoint map[string]any, cursor string) map[string]any {
	out := map[string]any{"cursor": cursor}
	if checkpoint != nil {
		if history, ok := checkpoint["history"].([]string); ok {
			history = append(history, cursor)
			if len(history) > maxCheckpointsKept {
				history = history[len(history)-maxCheckpointsKept:]
			}
			out["history"] = history
		} else {
			out["history"] = []string{cursor}
		}
	} else {
		out["history"] = []string{cursor}
	}
	return out
}
