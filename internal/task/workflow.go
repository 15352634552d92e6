package task

import (
	"context"
	"encoding/json"

	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// Emitter is how a running workflow reports observable progress. Every
// call appends an event to the task's log before any dependent side
// effect, then updates the read projection and pushes to subscribers.
type Emitter interface {
	StepStarted(ctx context.Context, step string, progress int) error
	StepCompleted(ctx context.Context, step string, progress int) error
	Progress(ctx context.Context, step string, progress int, message string) error
	ToolCall(ctx context.Context, step, tool string, args json.RawMessage) error
	ArtifactCreated(ctx context.Context, ref, kind string) error
}

// PauseRequest is returned by a workflow when it cannot continue
// without human input.
type PauseRequest struct {
	Step     string
	Question domain.Question
}

// Outcome is a workflow run's result. Exactly one of Pause or a
// completion (ArtifactRef/Summary) is meaningful; a run that errors
// returns no Outcome.
type Outcome struct {
	Pause       *PauseRequest
	ArtifactRef string
	Summary     string
}

// RunState carries the task's persisted position into a workflow run.
// Response is set when the run resumes a paused task; Rejections counts
// prior reject responses so the workflow can bound its revision loop.
type RunState struct {
	Task       *domain.Task
	Response   *domain.Response
	Rejections int
}

// Workflow executes a task's steps from its persisted position to the
// next pause point or to completion. Implementations must be safe to
// re-invoke after a process restart: all position they need is in
// RunState, never in memory carried across runs.
type Workflow interface {
	Run(ctx context.Context, emit Emitter, state RunState) (*Outcome, error)
}
