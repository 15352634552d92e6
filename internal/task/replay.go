package task

import (
	"fmt"

	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// Projection is the task state reconstructed from an ordered event
// sequence. The stored Task row must always equal the projection of its
// log; Replay is the reference reducer that defines that equivalence.
type Projection struct {
	Status          domain.TaskStatus
	Progress        int
	CurrentStep     string
	PendingQuestion *domain.Question
	LastResponse    *domain.Response
	ArtifactRef     string
	ErrorMessage    string
	EventCount      int64
}

// Replay folds an ordered event sequence into the task state it
// implies. An out-of-order index or an unknown event tag is an error.
func Replay(events []domain.TaskEvent) (*Projection, error) {
	p := &Projection{Status: domain.TaskQueued}

	for i, event := range events {
		if event.Index != int64(i) {
			return nil, fmt.Errorf("event log has gap: expected index %d, got %d", i, event.Index)
		}

		payload, err := event.DecodePayload()
		if err != nil {
			return nil, err
		}

		switch v := payload.(type) {
		case *domain.StartPayload:
			p.Status = domain.TaskRunning
		case *domain.StepPayload:
			p.Status = domain.TaskRunning
			p.CurrentStep = v.Step
			p.Progress = v.Progress
		case *domain.ProgressPayload:
			p.CurrentStep = v.Step
			p.Progress = v.Progress
		case *domain.ToolCallPayload:
			p.CurrentStep = v.Step
		case *domain.ArtifactPayload:
			p.ArtifactRef = v.Ref
		case *domain.PausePayload:
			p.Status = domain.TaskPausedForInput
			p.CurrentStep = v.Step
			question := v.Question
			p.PendingQuestion = &question
		case *domain.ResumePayload:
			p.Status = domain.TaskRunning
			p.PendingQuestion = nil
			response := v.Response
			p.LastResponse = &response
		case *domain.CompletePayload:
			p.Status = domain.TaskCompleted
			p.Progress = 100
			if v.ArtifactRef != "" {
				p.ArtifactRef = v.ArtifactRef
			}
		case *domain.FailurePayload:
			p.Status = domain.TaskFailed
			p.ErrorMessage = v.Message
		case *domain.CancelPayload:
			p.Status = domain.TaskCanceled
		default:
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEventType, event.Type)
		}

		p.EventCount = event.Index + 1
	}

	return p, nil
}
