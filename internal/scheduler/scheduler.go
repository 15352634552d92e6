// Package scheduler fires recurring jobs. Each tick claims due jobs
// with a compare-and-set so concurrent instances never double-fire, and
// failed executions are retried with bounded exponential backoff.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/ratelimit"
	"github.com/postcrafter/postcrafter-api/internal/store"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// jobParams is the shape of Job.Params the scheduler understands.
type jobParams struct {
	Message     string          `json:"message"`
	Context     json.RawMessage `json:"context,omitempty"`
	HumanReview bool            `json:"human_review,omitempty"`
}

// Scheduler drives recurring jobs: it polls for due jobs, claims them
// atomically, spawns a task per firing, and schedules retries when a
// firing fails.
type Scheduler struct {
	jobs         store.JobStore
	executions   store.JobExecutionStore
	orchestrator *task.Orchestrator
	limiter      *ratelimit.Limiter
	retry        RetryPolicy
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	timers map[uuid.UUID]*time.Timer
}

// New creates a Scheduler and registers itself as the orchestrator's
// terminal hook so execution outcomes flow back into job bookkeeping.
func New(
	jobs store.JobStore,
	executions store.JobExecutionStore,
	orchestrator *task.Orchestrator,
	limiter *ratelimit.Limiter,
	retry RetryPolicy,
	pollInterval time.Duration,
	log *slog.Logger,
) *Scheduler {
	s := &Scheduler{
		jobs:         jobs,
		executions:   executions,
		orchestrator: orchestrator,
		limiter:      limiter,
		retry:        retry,
		pollInterval: pollInterval,
		logger:       log.With("component", "scheduler"),
		timers:       make(map[uuid.UUID]*time.Timer),
	}
	orchestrator.SetTerminalHook(s.onExecutionFinished)
	return s
}

// Run polls for due jobs until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		case <-ctx.Done():
			s.stopTimers()
			return ctx.Err()
		}
	}
}

// Tick fires every due job once. Claim losses are silent: some other
// instance of this scheduler got there first.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.jobs.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due jobs", "error", err)
		return
	}

	for _, job := range due {
		if err := s.fire(ctx, job, now); err != nil {
			switch {
			case errors.Is(err, store.ErrClaimLost):
			case errors.Is(err, domain.ErrExecutionOverlap):
				s.logger.Info("skipping job with running execution", "job_id", job.ID)
			default:
				s.logger.Error("failed to fire job", "job_id", job.ID, "error", err)
			}
		}
	}
}

// fire claims one due job and spawns its execution. Only the claim
// winner consults the rate limiter, so a lost claim never burns quota
// for the job type; a denied job is deferred until the limiter's
// retry-after without counting as a run.
func (s *Scheduler) fire(ctx context.Context, job *domain.Job, now time.Time) error {
	if job.NextRunAt == nil {
		return fmt.Errorf("due job %s has no next run time", job.ID)
	}

	next, err := nextAfterFire(job, now)
	if err != nil {
		return err
	}
	lastRun := job.LastRunAt
	if err := s.jobs.Claim(ctx, job.ID, *job.NextRunAt, now, next); err != nil {
		return err
	}

	ok, retryAfter, err := s.limiter.Allow(limitScope(job))
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("deferring rate-limited job",
			"job_id", job.ID, "type", job.Type, "retry_after", retryAfter)
		// The claim marked the job as run; the deferral rolls that back.
		job.LastRunAt = lastRun
		return s.deferJob(ctx, job, now.Add(retryAfter))
	}

	return s.launch(ctx, job, domain.TriggerScheduled, 0)
}

// Trigger fires a job immediately, outside its schedule. The overlap
// guard and the rate limiter still apply: a job with a running
// execution returns domain.ErrExecutionOverlap, and a denied scope
// returns domain.ErrRateLimited.
func (s *Scheduler) Trigger(ctx context.Context, jobID uuid.UUID) (*domain.JobExecution, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, fmt.Errorf("%w: job is disabled", domain.ErrStateConflict)
	}

	// Check the overlap guard before spending a rate-limit token.
	active, err := s.executions.CountActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, domain.ErrExecutionOverlap
	}

	ok, retryAfter, err := s.limiter.Allow(limitScope(job))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, retryAfter.Round(time.Second))
	}

	exec, err := s.launchExecution(ctx, job, domain.TriggerManual, 0)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// limitScope is the rate limiter key for a job: quota is shared per
// job type across scheduled firings, manual triggers and retries.
func limitScope(job *domain.Job) string {
	return "job-type:" + job.Type
}

func (s *Scheduler) launch(ctx context.Context, job *domain.Job, trigger domain.TriggerKind, retryCount int) error {
	_, err := s.launchExecution(ctx, job, trigger, retryCount)
	return err
}

func (s *Scheduler) launchExecution(ctx context.Context, job *domain.Job, trigger domain.TriggerKind, retryCount int) (*domain.JobExecution, error) {
	exec, err := domain.NewJobExecution(job.ID, trigger, retryCount)
	if err != nil {
		return nil, err
	}

	if err := s.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, store.ErrRunningExecutionExists) {
			return nil, domain.ErrExecutionOverlap
		}
		return nil, err
	}

	params := jobParams{Message: job.Name}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			s.logger.Warn("job params are malformed, using job name",
				"job_id", job.ID, "error", err)
		}
		if params.Message == "" {
			params.Message = job.Name
		}
	}

	taskRow, err := s.orchestrator.Submit(ctx, params.Message, params.Context, params.HumanReview, &exec.ID)
	if err != nil {
		ferr := s.executions.Finish(ctx, exec.ID, domain.ExecutionFailed, nil,
			fmt.Sprintf("failed to submit task: %v", err), time.Now().UTC())
		if ferr != nil {
			s.logger.Error("failed to record submit failure",
				"execution_id", exec.ID, "error", ferr)
		}
		return nil, err
	}

	s.logger.Info("job fired",
		"job_id", job.ID, "execution_id", exec.ID,
		"task_id", taskRow.ID, "trigger", trigger, "retry_count", retryCount)
	return exec, nil
}

// onExecutionFinished is the orchestrator's terminal hook: it records
// the outcome on the job and schedules a retry when policy allows.
func (s *Scheduler) onExecutionFinished(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, errMsg string) {
	exec, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		s.logger.Error("failed to load finished execution",
			"execution_id", executionID, "error", err)
		return
	}

	if err := s.jobs.RecordOutcome(ctx, exec.JobID, status, errMsg); err != nil {
		s.logger.Error("failed to record job outcome",
			"job_id", exec.JobID, "error", err)
	}

	if !s.retry.ShouldRetry(status, exec.RetryCount) {
		return
	}

	attempt := exec.RetryCount + 1
	delay := s.retry.Delay(attempt)
	s.logger.Info("scheduling retry",
		"job_id", exec.JobID, "attempt", attempt,
		"max_retries", s.retry.MaxRetries, "delay", delay)
	s.scheduleRetry(exec.JobID, attempt, delay)
}

// scheduleRetry arms a timer for the retry attempt. A retry lost to a
// restart is not rerun early; the job's regular schedule covers it.
func (s *Scheduler) scheduleRetry(jobID uuid.UUID, attempt int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		job, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			s.logger.Error("failed to load job for retry", "job_id", jobID, "error", err)
			return
		}
		if !job.Enabled {
			return
		}

		ok, retryAfter, err := s.limiter.Allow(limitScope(job))
		if err != nil {
			s.logger.Error("rate limit check failed for retry", "job_id", jobID, "error", err)
			return
		}
		if !ok {
			s.logger.Info("deferring rate-limited retry",
				"job_id", jobID, "attempt", attempt, "retry_after", retryAfter)
			s.scheduleRetry(jobID, attempt, retryAfter)
			return
		}

		if err := s.launch(ctx, job, domain.TriggerScheduled, attempt); err != nil &&
			!errors.Is(err, domain.ErrExecutionOverlap) {
			s.logger.Error("retry launch failed", "job_id", jobID, "error", err)
		}
	})
}

// deferJob pushes a job's next run time forward without firing it.
func (s *Scheduler) deferJob(ctx context.Context, job *domain.Job, until time.Time) error {
	until = until.UTC()
	job.NextRunAt = &until
	return s.jobs.Update(ctx, job)
}

// ScheduleJob computes and persists a job's next run time, applied at
// creation, update, and re-enable.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *domain.Job, now time.Time) error {
	next, err := NextRun(job, now)
	if err != nil {
		return err
	}
	next = next.UTC()
	job.NextRunAt = &next
	return s.jobs.Update(ctx, job)
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
