package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// MemTaskStore is an in-memory store.TaskStore with the same
// conditional-transition semantics as the PostgreSQL store.
type MemTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

// NewMemTaskStore creates an empty MemTaskStore.
func NewMemTaskStore() *MemTaskStore {
	return &MemTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *MemTaskStore) Create(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemTaskStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *MemTaskStore) SetRunning(_ context.Context, id uuid.UUID) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.Status != domain.TaskQueued {
			return false
		}
		t.Status = domain.TaskRunning
		return true
	})
}

func (s *MemTaskStore) SetStep(_ context.Context, id uuid.UUID, step string, progress int) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.Status != domain.TaskRunning {
			return false
		}
		t.CurrentStep = step
		t.Progress = progress
		return true
	})
}

func (s *MemTaskStore) SetPaused(_ context.Context, id uuid.UUID, question *domain.Question) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.Status != domain.TaskRunning {
			return false
		}
		t.Status = domain.TaskPausedForInput
		t.PendingQuestion = question
		return true
	})
}

func (s *MemTaskStore) SetResumed(_ context.Context, id uuid.UUID, response *domain.Response) error {
	return s.transition(id, domain.ErrNotAwaitingInput, func(t *domain.Task) bool {
		if t.Status != domain.TaskPausedForInput {
			return false
		}
		t.Status = domain.TaskRunning
		t.PendingQuestion = nil
		t.LastResponse = response
		return true
	})
}

func (s *MemTaskStore) SetCompleted(_ context.Context, id uuid.UUID, artifactRef string) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.Status != domain.TaskRunning {
			return false
		}
		t.Status = domain.TaskCompleted
		t.Progress = 100
		t.ErrorMessage = ""
		if artifactRef != "" {
			t.ArtifactRef = &artifactRef
		}
		return true
	})
}

func (s *MemTaskStore) SetFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.IsTerminal() {
			return false
		}
		t.Status = domain.TaskFailed
		t.ErrorMessage = errMsg
		return true
	})
}

func (s *MemTaskStore) SetCanceled(_ context.Context, id uuid.UUID) error {
	return s.transition(id, domain.ErrStateConflict, func(t *domain.Task) bool {
		if t.IsTerminal() {
			return false
		}
		t.Status = domain.TaskCanceled
		return true
	})
}

func (s *MemTaskStore) SetEventCount(_ context.Context, id uuid.UUID, count int64) error {
	return s.transition(id, nil, func(t *domain.Task) bool {
		t.EventCount = count
		return true
	})
}

func (s *MemTaskStore) ListByStatus(_ context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*domain.Task
	for _, task := range s.tasks {
		if task.Status == status {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemTaskStore) WithTx(*sql.Tx) store.TaskStore { return s }

func (s *MemTaskStore) transition(id uuid.UUID, conflictErr error, apply func(*domain.Task) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if !apply(task) {
		return conflictErr
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneTask(task *domain.Task) *domain.Task {
	c := *task
	return &c
}

// MemEventStore is an in-memory store.TaskEventStore.
type MemEventStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID][]domain.TaskEvent
}

// NewMemEventStore creates an empty MemEventStore.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{logs: make(map[uuid.UUID][]domain.TaskEvent)}
}

func (s *MemEventStore) Append(_ context.Context, event *domain.TaskEvent) error {
	if event.Index < 0 {
		return domain.ErrInvalidEventIdx
	}
	if !domain.IsValidEventType(event.Type) {
		return domain.ErrUnknownEventType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[event.TaskID]
	for _, existing := range log {
		if existing.Index == event.Index {
			return store.ErrDuplicateEventIndex
		}
	}
	s.logs[event.TaskID] = append(log, *event)
	return nil
}

func (s *MemEventStore) NextIndex(_ context.Context, taskID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64
	for _, event := range s.logs[taskID] {
		if event.Index >= next {
			next = event.Index + 1
		}
	}
	return next, nil
}

func (s *MemEventStore) ListFrom(_ context.Context, taskID uuid.UUID, fromIndex int64) ([]domain.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []domain.TaskEvent
	for _, event := range s.logs[taskID] {
		if event.Index >= fromIndex {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Index < events[j].Index })
	return events, nil
}

func (s *MemEventStore) Count(_ context.Context, taskID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.logs[taskID])), nil
}

func (s *MemEventStore) WithTx(*sql.Tx) store.TaskEventStore { return s }
