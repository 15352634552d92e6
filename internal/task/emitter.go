package task

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
)

// emitter is the Emitter one run goroutine reports through. It holds
// the run's next log index; the append path resolves collisions with
// concurrent appenders (a cancel racing the run).
type emitter struct {
	orch   *Orchestrator
	taskID uuid.UUID
	next   *int64
}

func (e *emitter) StepStarted(ctx context.Context, step string, progress int) error {
	if err := e.orch.append(ctx, e.taskID, e.next, domain.EventStepStarted,
		domain.StepPayload{Step: step, Progress: progress}); err != nil {
		return err
	}
	return e.setStep(ctx, step, progress)
}

func (e *emitter) StepCompleted(ctx context.Context, step string, progress int) error {
	if err := e.orch.append(ctx, e.taskID, e.next, domain.EventStepCompleted,
		domain.StepPayload{Step: step, Progress: progress}); err != nil {
		return err
	}
	return e.setStep(ctx, step, progress)
}

func (e *emitter) Progress(ctx context.Context, step string, progress int, message string) error {
	if err := e.orch.append(ctx, e.taskID, e.next, domain.EventProgress,
		domain.ProgressPayload{Step: step, Progress: progress, Message: message}); err != nil {
		return err
	}
	return e.setStep(ctx, step, progress)
}

func (e *emitter) ToolCall(ctx context.Context, step, tool string, args json.RawMessage) error {
	return e.orch.append(ctx, e.taskID, e.next, domain.EventToolCall,
		domain.ToolCallPayload{Step: step, Tool: tool, Args: args})
}

func (e *emitter) ArtifactCreated(ctx context.Context, ref, kind string) error {
	return e.orch.append(ctx, e.taskID, e.next, domain.EventArtifactCreated,
		domain.ArtifactPayload{Ref: ref, Kind: kind})
}

// setStep refreshes the projection. A state conflict here means a
// concurrent cancel won; the run context ends shortly after, so it is
// logged rather than surfaced.
func (e *emitter) setStep(ctx context.Context, step string, progress int) error {
	if err := e.orch.tasks.SetStep(ctx, e.taskID, step, progress); err != nil {
		logger.FromContext(ctx).Warn("failed to update step projection",
			"task_id", e.taskID, "step", step, "error", err)
	}
	return nil
}
