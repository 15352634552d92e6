package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/ratelimit"
	"github.com/postcrafter/postcrafter-api/internal/store"
	"github.com/postcrafter/postcrafter-api/internal/store/storetest"
	"github.com/postcrafter/postcrafter-api/internal/stream"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// stubWorkflow completes or fails immediately, optionally blocking on
// release first so a test can hold an execution in a running state.
type stubWorkflow struct {
	fail    bool
	release chan struct{}
}

func (w *stubWorkflow) Run(ctx context.Context, _ task.Emitter, _ task.RunState) (*task.Outcome, error) {
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w.fail {
		return nil, errors.New("generation backend unavailable")
	}
	return &task.Outcome{ArtifactRef: "artifacts/stub/draft.md", Summary: "done"}, nil
}

type schedulerFixture struct {
	scheduler    *Scheduler
	orchestrator *task.Orchestrator
	jobs         *storetest.MemJobStore
	executions   *storetest.MemExecutionStore
}

func newSchedulerFixture(t *testing.T, workflow task.Workflow, retry RetryPolicy, perMinute, burst int) *schedulerFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executions := storetest.NewMemExecutionStore()
	jobs := storetest.NewMemJobStore(executions)
	tasks := storetest.NewMemTaskStore()
	events := storetest.NewMemEventStore()
	broker := stream.NewBroker(events, logger)

	orchestrator := task.NewOrchestrator(tasks, events, executions, broker, workflow, nil, 5*time.Second, logger)

	limiter, err := ratelimit.New(perMinute, burst)
	require.NoError(t, err)

	s := New(jobs, executions, orchestrator, limiter, retry, time.Hour, logger)
	return &schedulerFixture{
		scheduler:    s,
		orchestrator: orchestrator,
		jobs:         jobs,
		executions:   executions,
	}
}

// bindContext makes the scheduler's retry timers live without running
// the poll loop.
func (f *schedulerFixture) bindContext(ctx context.Context) {
	f.scheduler.mu.Lock()
	f.scheduler.ctx = ctx
	f.scheduler.mu.Unlock()
}

func (f *schedulerFixture) dueJob(t *testing.T, name, jobType string, mins, priority int, now time.Time) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(name, jobType, domain.ScheduleInterval, &mins, nil, nil)
	require.NoError(t, err)
	job.Priority = priority
	job.NextRunAt = &now
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func TestScheduler_TickFiresDueJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 100, 100)
	now := time.Now().UTC()
	job := f.dueJob(t, "weekly roundup", "roundup", 30, 0, now)

	f.scheduler.Tick(ctx, now)
	f.orchestrator.Wait()

	count, err := f.executions.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRunAt)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, now.Add(30*time.Minute), *updated.NextRunAt)
	assert.Equal(t, 1, updated.RunCount)
	assert.Equal(t, 1, updated.SuccessCount)
	assert.Equal(t, string(domain.ExecutionSuccess), updated.LastStatus)

	execs, err := f.executions.ListByJob(ctx, job.ID, store.ExecutionFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionSuccess, execs[0].Status)
	assert.Equal(t, domain.TriggerScheduled, execs[0].Trigger)
	assert.NotNil(t, execs[0].TaskID)
	assert.NotNil(t, execs[0].DurationMs)
}

func TestScheduler_ConcurrentTicksClaimOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 100, 100)
	now := time.Now().UTC()
	job := f.dueJob(t, "daily digest", "digest", 60, 0, now)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.scheduler.Tick(ctx, now)
		}()
	}
	wg.Wait()
	f.orchestrator.Wait()

	count, err := f.executions.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the claim must admit exactly one of the racing ticks")
}

func TestScheduler_SkipsJobWithRunningExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	release := make(chan struct{})
	f := newSchedulerFixture(t, &stubWorkflow{release: release}, RetryPolicy{}, 100, 100)
	now := time.Now().UTC()
	job := f.dueJob(t, "slow publish", "publish", 30, 0, now)

	exec, err := f.scheduler.Trigger(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)

	// The manual execution is still running; the schedule tick must not
	// start a second one.
	f.scheduler.Tick(ctx, now)

	count, err := f.executions.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	close(release)
	f.orchestrator.Wait()
}

func TestScheduler_TriggerDisabledJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 100, 100)
	job := f.dueJob(t, "paused job", "digest", 30, 0, time.Now().UTC())
	require.NoError(t, f.jobs.SetEnabled(ctx, job.ID, false))

	_, err := f.scheduler.Trigger(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	count, err := f.executions.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestScheduler_RateLimitedJobIsDeferred(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// One firing per minute with no burst headroom: the second job of
	// the same type must be deferred, not fired.
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 1, 0)
	now := time.Now().UTC()
	first := f.dueJob(t, "digest one", "digest", 30, 10, now)
	second := f.dueJob(t, "digest two", "digest", 30, 0, now)

	f.scheduler.Tick(ctx, now)
	f.orchestrator.Wait()

	firstCount, err := f.executions.CountByJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, firstCount)

	secondCount, err := f.executions.CountByJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, secondCount)

	deferred, err := f.jobs.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, deferred.LastRunAt, "a deferred job has not fired")
	require.NotNil(t, deferred.NextRunAt)
	assert.True(t, deferred.NextRunAt.After(now), "deferral pushes the next run forward")
}

func TestScheduler_TriggerRateLimited(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// One firing per minute with no burst headroom.
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 1, 0)
	job := f.dueJob(t, "digest", "digest", 30, 0, time.Now().UTC())

	exec, err := f.scheduler.Trigger(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	f.orchestrator.Wait()

	// The quota for the job type is spent; a second manual trigger is
	// denied instead of firing.
	_, err = f.scheduler.Trigger(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	count, err := f.executions.CountByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScheduler_RetryRateLimited(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retry := RetryPolicy{MaxRetries: 1, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second}
	f := newSchedulerFixture(t, &stubWorkflow{fail: true}, retry, 1, 0)
	f.bindContext(ctx)

	now := time.Now().UTC()
	job := f.dueJob(t, "flaky export", "export", 30, 0, now)

	// The firing spends the job type's only token and fails; the retry
	// timer must defer instead of launching a second execution.
	f.scheduler.Tick(ctx, now)
	f.orchestrator.Wait()

	assert.Never(t, func() bool {
		count, err := f.executions.CountByJob(ctx, job.ID)
		return err == nil && count > 1
	}, 150*time.Millisecond, 10*time.Millisecond,
		"a rate-limited retry is deferred, not launched")

	updated, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunCount)
}

func TestScheduler_LostClaimKeepsQuota(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// One token for the digest type; losing a claim must not spend it.
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 1, 0)
	now := time.Now().UTC()
	first := f.dueJob(t, "digest one", "digest", 30, 0, now)
	second := f.dueJob(t, "digest two", "digest", 30, 0, now)

	// Another instance wins the claim on the first job.
	require.NoError(t, f.jobs.Claim(ctx, first.ID, now, now, now.Add(30*time.Minute)))

	err := f.scheduler.fire(ctx, first, now)
	assert.ErrorIs(t, err, store.ErrClaimLost)

	// The lost claim spent no quota, so the second job of the same type
	// still fires instead of being deferred.
	f.scheduler.Tick(ctx, now)
	f.orchestrator.Wait()

	count, err := f.executions.CountByJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScheduler_RetriesFailedExecution(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retry := RetryPolicy{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	f := newSchedulerFixture(t, &stubWorkflow{fail: true}, retry, 100, 100)
	f.bindContext(ctx)

	now := time.Now().UTC()
	job := f.dueJob(t, "flaky export", "export", 30, 0, now)

	f.scheduler.Tick(ctx, now)

	assert.Eventually(t, func() bool {
		count, err := f.executions.CountByJob(ctx, job.ID)
		return err == nil && count == 2
	}, 2*time.Second, 10*time.Millisecond, "one retry attempt follows the failed firing")

	assert.Eventually(t, func() bool {
		active, err := f.executions.CountActive(ctx, job.ID)
		return err == nil && active == 0
	}, 2*time.Second, 10*time.Millisecond)

	updated, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.RunCount)
	assert.Equal(t, 2, updated.FailCount)
	assert.Equal(t, string(domain.ExecutionFailed), updated.LastStatus)
}

func TestScheduler_ScheduleJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSchedulerFixture(t, &stubWorkflow{}, RetryPolicy{}, 100, 100)
	now := time.Now().UTC()

	mins := 45
	job, err := domain.NewJob("fresh job", "digest", domain.ScheduleInterval, &mins, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.scheduler.ScheduleJob(ctx, job, now))

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, now, *stored.NextRunAt)
}
