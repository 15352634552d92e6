// Package storetest provides in-memory store implementations with the
// same conditional-update semantics as the PostgreSQL stores, for use
// in tests.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// MemJobStore is an in-memory store.JobStore.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job

	execs *MemExecutionStore
}

// NewMemJobStore creates an empty MemJobStore. execs, when non-nil, is
// consulted for Delete's reference check.
func NewMemJobStore(execs *MemExecutionStore) *MemJobStore {
	return &MemJobStore{jobs: make(map[uuid.UUID]*domain.Job), execs: execs}
}

func (s *MemJobStore) Create(_ context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicate
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemJobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemJobStore) Update(_ context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s.execs != nil {
		count, err := s.execs.CountByJob(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrJobReferenced
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return store.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemJobStore) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Enabled = enabled
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemJobStore) List(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemJobStore) ListDue(_ context.Context, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, cloneJob(job))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due, nil
}

func (s *MemJobStore) Claim(_ context.Context, id uuid.UUID, due, now, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !job.Enabled || job.NextRunAt == nil || !job.NextRunAt.Equal(due) {
		return store.ErrClaimLost
	}
	nowUTC := now.UTC()
	nextUTC := next.UTC()
	job.LastRunAt = &nowUTC
	job.NextRunAt = &nextUTC
	job.UpdatedAt = nowUTC
	return nil
}

func (s *MemJobStore) RecordOutcome(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.LastStatus = string(status)
	job.LastError = errMsg
	job.RunCount++
	if status == domain.ExecutionSuccess {
		job.SuccessCount++
	} else {
		job.FailCount++
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemJobStore) WithTx(*sql.Tx) store.JobStore { return s }

// MemExecutionStore is an in-memory store.JobExecutionStore enforcing
// at most one non-terminal execution per job.
type MemExecutionStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*domain.JobExecution
}

// NewMemExecutionStore creates an empty MemExecutionStore.
func NewMemExecutionStore() *MemExecutionStore {
	return &MemExecutionStore{execs: make(map[uuid.UUID]*domain.JobExecution)}
}

func (s *MemExecutionStore) Create(_ context.Context, exec *domain.JobExecution) error {
	if err := exec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.execs {
		if existing.JobID == exec.JobID && !existing.IsTerminal() {
			return store.ErrRunningExecutionExists
		}
	}
	s.execs[exec.ID] = cloneExec(exec)
	return nil
}

func (s *MemExecutionStore) GetByID(_ context.Context, id uuid.UUID) (*domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, store.ErrExecutionNotFound
	}
	return cloneExec(exec), nil
}

func (s *MemExecutionStore) MarkRunning(_ context.Context, id, taskID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return store.ErrExecutionNotFound
	}
	if exec.Status != domain.ExecutionPending {
		return store.ErrUpdateFailed
	}
	started := startedAt.UTC()
	exec.Status = domain.ExecutionRunning
	exec.TaskID = &taskID
	exec.StartedAt = &started
	return nil
}

func (s *MemExecutionStore) Finish(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, result json.RawMessage, errMsg string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return store.ErrExecutionNotFound
	}
	if exec.IsTerminal() {
		return domain.ErrExecutionImmutable
	}
	finished := finishedAt.UTC()
	exec.Status = status
	exec.FinishedAt = &finished
	exec.Result = result
	exec.ErrorMessage = errMsg
	start := exec.CreatedAt
	if exec.StartedAt != nil {
		start = *exec.StartedAt
	}
	duration := finished.Sub(start).Milliseconds()
	exec.DurationMs = &duration
	return nil
}

func (s *MemExecutionStore) ListByJob(_ context.Context, jobID uuid.UUID, filter store.ExecutionFilter, limit, offset int) ([]*domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []*domain.JobExecution
	for _, exec := range s.execs {
		if exec.JobID != jobID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.From != nil && exec.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !exec.CreatedAt.Before(*filter.To) {
			continue
		}
		execs = append(execs, cloneExec(exec))
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.After(execs[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(execs) {
			return nil, nil
		}
		execs = execs[offset:]
	}
	if limit > 0 && limit < len(execs) {
		execs = execs[:limit]
	}
	return execs, nil
}

func (s *MemExecutionStore) CountActive(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, exec := range s.execs {
		if exec.JobID == jobID && !exec.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (s *MemExecutionStore) CountByJob(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, exec := range s.execs {
		if exec.JobID == jobID {
			count++
		}
	}
	return count, nil
}

func (s *MemExecutionStore) WithTx(*sql.Tx) store.JobExecutionStore { return s }

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	return &c
}

func cloneExec(exec *domain.JobExecution) *domain.JobExecution {
	c := *exec
	return &c
}
