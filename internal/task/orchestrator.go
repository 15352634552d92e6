// Package task runs the multi-step content workflow behind every task:
// dispatching runs, recording the append-only event log, pausing for
// human input, and surviving restarts by keeping every resumption
// handle in the database instead of in memory.
package task

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
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
	"github.com/postcrafter/postcrafter-api/internal/store"
	"github.com/postcrafter/postcrafter-api/internal/stream"
)

// appendRetries bounds index races between a run goroutine and a
// concurrent cancel appending to the same log.
const appendRetries = 3

// UnitCanceler cancels the still-queued generation units of a task.
type UnitCanceler interface {
	CancelTask(ctx context.Context, taskID uuid.UUID) error
}

// TerminalFunc is invoked after a task owned by a job execution reaches
// a terminal status and the execution has been finished.
type TerminalFunc func(ctx context.Context, executionID uuid.UUID, status domain.ExecutionStatus, errMsg string)

// Orchestrator owns the task lifecycle. It is the only writer of task
// rows and task events; workflows report through the Emitter it hands
// them and never touch storage directly.
type Orchestrator struct {
	tasks      store.TaskStore
	events     store.TaskEventStore
	executions store.JobExecutionStore
	broker     *stream.Broker
	workflow   Workflow
	units      UnitCanceler
	timeout    time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	running    map[uuid.UUID]context.CancelFunc
	onTerminal TerminalFunc
	wg         sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. timeout is the wall-clock
// budget for one workflow run, submission to terminal event.
func NewOrchestrator(
	tasks store.TaskStore,
	events store.TaskEventStore,
	executions store.JobExecutionStore,
	broker *stream.Broker,
	workflow Workflow,
	units UnitCanceler,
	timeout time.Duration,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		events:     events,
		executions: executions,
		broker:     broker,
		workflow:   workflow,
		units:      units,
		timeout:    timeout,
		logger:     log.With("component", "orchestrator"),
		running:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// SetTerminalHook registers the callback invoked when a job-owned task
// reaches a terminal status. Must be called before any task runs.
func (o *Orchestrator) SetTerminalHook(fn TerminalFunc) {
	o.onTerminal = fn
}

// Submit creates a queued task and dispatches its workflow run. The
// task is returned immediately; callers follow progress via the task's
// event stream.
func (o *Orchestrator) Submit(ctx context.Context, message string, taskCtx json.RawMessage, humanReview bool, executionID *uuid.UUID) (*domain.Task, error) {
	task, err := domain.NewTask(message, taskCtx, humanReview)
	if err != nil {
		return nil, err
	}
	task.JobExecutionID = executionID

	if err := o.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	o.logger.Info("task submitted",
		"task_id", task.ID, "human_review", humanReview)
	o.dispatch(task, nil, 0)
	return task, nil
}

// Respond delivers a human answer to a paused task and resumes its
// workflow. The store's conditional update is the gate: if the task is
// not paused_for_input nothing is mutated and ErrNotAwaitingInput comes
// back, no matter how many responders race.
func (o *Orchestrator) Respond(ctx context.Context, id uuid.UUID, response *domain.Response) (*domain.Task, error) {
	if err := response.Validate(); err != nil {
		return nil, err
	}

	if err := o.tasks.SetResumed(ctx, id, response); err != nil {
		return nil, err
	}

	task, err := o.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := o.events.NextIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.append(ctx, id, &next, domain.EventResumed, domain.ResumePayload{
		Step:     task.CurrentStep,
		Response: *response,
	}); err != nil {
		return nil, err
	}

	rejections, err := o.countRejections(ctx, id)
	if err != nil {
		return nil, err
	}

	o.logger.Info("task resumed",
		"task_id", id, "action", response.Action, "rejections", rejections)
	o.dispatch(task, response, rejections)
	return task, nil
}

// Cancel stops a non-terminal task: its queued generation units are
// dropped, its running workflow (if any) is interrupted, and the task
// ends with a workflow_canceled event.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := o.tasks.SetCanceled(ctx, id); err != nil {
		return err
	}

	// Interrupt the run goroutine before appending so the terminal
	// cancel event wins the index race.
	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	next, err := o.events.NextIndex(ctx, id)
	if err != nil {
		return err
	}
	if err := o.append(ctx, id, &next, domain.EventWorkflowCanceled, domain.CancelPayload{
		Reason: "canceled by user",
	}); err != nil {
		return err
	}

	if o.units != nil {
		if err := o.units.CancelTask(ctx, id); err != nil {
			o.logger.Error("failed to cancel queued units",
				"task_id", id, "error", err)
		}
	}

	task, err := o.tasks.GetByID(ctx, id)
	if err != nil {
		return err
	}
	o.finishExecution(ctx, task, domain.ExecutionCanceled, "canceled by user", nil)

	o.logger.Info("task canceled", "task_id", id)
	return nil
}

// Get retrieves a task by ID.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return o.tasks.GetByID(ctx, id)
}

// RecoverInterrupted re-dispatches tasks left queued or running by a
// previous process. Paused tasks need no recovery: they resume when a
// response arrives.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	for _, status := range []domain.TaskStatus{domain.TaskQueued, domain.TaskRunning} {
		tasks, err := o.tasks.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			rejections, err := o.countRejections(ctx, task.ID)
			if err != nil {
				return err
			}
			o.logger.Info("recovering interrupted task",
				"task_id", task.ID, "status", task.Status, "step", task.CurrentStep)
			o.dispatch(task, task.LastResponse, rejections)
		}
	}
	return nil
}

// Wait blocks until every dispatched run goroutine has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(task *domain.Task, response *domain.Response, rejections int) {
	runCtx, cancel := context.WithTimeout(context.Background(), o.timeout)
	runCtx = logger.WithLogger(runCtx, o.logger.With("task_id", task.ID))

	o.mu.Lock()
	o.running[task.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.running, task.ID)
			o.mu.Unlock()
		}()
		o.run(runCtx, task, response, rejections)
	}()
}

func (o *Orchestrator) run(ctx context.Context, task *domain.Task, response *domain.Response, rejections int) {
	log := logger.FromContext(ctx)

	next, err := o.events.NextIndex(ctx, task.ID)
	if err != nil {
		log.Error("failed to read event index", "error", err)
		return
	}
	emit := &emitter{orch: o, taskID: task.ID, next: &next}

	if task.Status == domain.TaskQueued {
		if err := o.tasks.SetRunning(ctx, task.ID); err != nil {
			log.Error("failed to start task", "error", err)
			return
		}
		if task.JobExecutionID != nil {
			if err := o.executions.MarkRunning(ctx, *task.JobExecutionID, task.ID, time.Now().UTC()); err != nil {
				log.Error("failed to mark execution running", "error", err)
			}
		}
		if err := o.append(ctx, task.ID, &next, domain.EventWorkflowStarted, domain.StartPayload{
			Message: task.Message,
		}); err != nil {
			log.Error("failed to append start event", "error", err)
			return
		}
	}

	outcome, err := o.workflow.Run(ctx, emit, RunState{
		Task:       task,
		Response:   response,
		Rejections: rejections,
	})
	if err != nil {
		o.handleRunError(ctx, task, &next, err)
		return
	}

	if outcome.Pause != nil {
		o.pause(ctx, task, &next, outcome.Pause)
		return
	}
	o.complete(ctx, task, &next, outcome)
}

func (o *Orchestrator) pause(ctx context.Context, task *domain.Task, next *int64, pause *PauseRequest) {
	log := logger.FromContext(ctx)

	payload := domain.PausePayload{Step: pause.Step, Question: pause.Question}
	if task.ThreadID != nil {
		payload.ThreadID = *task.ThreadID
	}
	if err := o.append(ctx, task.ID, next, domain.EventPauseRequested, payload); err != nil {
		log.Error("failed to append pause event", "error", err)
		return
	}

	if err := o.tasks.SetPaused(ctx, task.ID, &pause.Question); err != nil {
		log.Error("failed to pause task", "error", err)
		return
	}
	log.Info("task paused for input", "step", pause.Step)
}

func (o *Orchestrator) complete(ctx context.Context, task *domain.Task, next *int64, outcome *Outcome) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	// A cancel that raced the natural finish already wrote the terminal
	// event; the completion is discarded.
	if current, err := o.tasks.GetByID(ctx, task.ID); err == nil && current.Status == domain.TaskCanceled {
		log.Info("discarding completion of canceled task")
		return
	}

	if err := o.append(ctx, task.ID, next, domain.EventWorkflowComplete, domain.CompletePayload{
		ArtifactRef: outcome.ArtifactRef,
		Summary:     outcome.Summary,
	}); err != nil {
		log.Error("failed to append completion event", "error", err)
		return
	}

	if err := o.tasks.SetCompleted(ctx, task.ID, outcome.ArtifactRef); err != nil {
		log.Error("failed to complete task", "error", err)
		return
	}

	result, _ := json.Marshal(domain.CompletePayload{
		ArtifactRef: outcome.ArtifactRef,
		Summary:     outcome.Summary,
	})
	o.finishExecution(ctx, task, domain.ExecutionSuccess, "", result)
	log.Info("task completed", "artifact_ref", outcome.ArtifactRef)
}

func (o *Orchestrator) handleRunError(ctx context.Context, task *domain.Task, next *int64, runErr error) {
	// Terminal writes must survive the run context's end.
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	// A cancel interrupts the run context; the cancel path already
	// wrote the terminal event.
	if errors.Is(runErr, context.Canceled) {
		if current, err := o.tasks.GetByID(ctx, task.ID); err == nil && current.Status == domain.TaskCanceled {
			log.Info("task run interrupted by cancel")
			return
		}
	}

	timedOut := errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, domain.ErrTimeout)
	msg := runErr.Error()
	if timedOut {
		msg = fmt.Sprintf("task exceeded its %s budget: %v", o.timeout, runErr)
	}

	if err := o.append(ctx, task.ID, next, domain.EventWorkflowFailed, domain.FailurePayload{
		Message: msg,
		Timeout: timedOut,
	}); err != nil {
		log.Error("failed to append failure event", "error", err)
	}
	if err := o.tasks.SetFailed(ctx, task.ID, msg); err != nil {
		log.Error("failed to mark task failed", "error", err)
	}

	status := domain.ExecutionFailed
	if timedOut {
		status = domain.ExecutionTimeout
	}
	o.finishExecution(ctx, task, status, msg, nil)
	log.Error("task failed", "timeout", timedOut, "error", runErr)
}

// finishExecution closes the owning job execution, if any, and fires
// the terminal hook.
func (o *Orchestrator) finishExecution(ctx context.Context, task *domain.Task, status domain.ExecutionStatus, errMsg string, result json.RawMessage) {
	if task.JobExecutionID == nil {
		return
	}
	execID := *task.JobExecutionID

	if err := o.executions.Finish(ctx, execID, status, result, errMsg, time.Now().UTC()); err != nil {
		logger.FromContext(ctx).Error("failed to finish execution",
			"execution_id", execID, "error", err)
	}
	if o.onTerminal != nil {
		o.onTerminal(ctx, execID, status, errMsg)
	}
}

// append persists one event, publishes it, and refreshes the event
// count projection. On an index collision with a concurrent appender it
// re-reads the log's next index and retries.
func (o *Orchestrator) append(ctx context.Context, taskID uuid.UUID, next *int64, eventType domain.EventType, payload any) error {
	for attempt := 0; ; attempt++ {
		event, err := domain.NewTaskEvent(taskID, *next, eventType, payload)
		if err != nil {
			return err
		}

		err = o.events.Append(ctx, event)
		if err == nil {
			*next = event.Index + 1
			o.broker.Publish(*event)
			if cerr := o.tasks.SetEventCount(ctx, taskID, *next); cerr != nil {
				logger.FromContext(ctx).Warn("failed to refresh event count",
					"task_id", taskID, "error", cerr)
			}
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateEventIndex) || attempt >= appendRetries {
			return err
		}

		idx, nerr := o.events.NextIndex(ctx, taskID)
		if nerr != nil {
			return nerr
		}
		*next = idx
	}
}

// countRejections counts reject responses in the task's log so the
// workflow can bound its revision loop across restarts.
func (o *Orchestrator) countRejections(ctx context.Context, taskID uuid.UUID) (int, error) {
	events, err := o.events.ListFrom(ctx, taskID, 0)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, event := range events {
		if event.Type != domain.EventResumed {
			continue
		}
		payload, err := event.DecodePayload()
		if err != nil {
			return 0, err
		}
		if resume, ok := payload.(*domain.ResumePayload); ok && resume.Response.Action == "reject" {
			count++
		}
	}
	return count, nil
}
