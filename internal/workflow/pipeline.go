// Package workflow implements the content production pipeline a task
// runs: research, compose, plan assets, generate assets, human review.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/genqueue"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// Step names, in pipeline order.
const (
	StepResearch       = "research"
	StepCompose        = "compose"
	StepPlanAssets     = "plan_assets"
	StepGenerateAssets = "generate_assets"
	StepReview         = "review"
)

// maxAssetPrompts caps how many generation units one task fans out to.
const maxAssetPrompts = 4

// transientRetries bounds in-run retries of a transient collaborator
// failure before it surfaces as a task failure.
const transientRetries = 2

// transientBackoff is the delay before the first transient retry; each
// further retry doubles it.
const transientBackoff = 2 * time.Second

// TextGenerator produces prose for the research, compose and planning
// steps. Implementations wrap retryable provider failures in
// domain.ErrTransient; the pipeline retries those before failing the
// run.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// ArtifactStore persists step outputs under stable references so a
// resumed or revised run can pick them up after a process restart.
type ArtifactStore interface {
	Save(ctx context.Context, ref string, content []byte) error
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Pipeline is the five-step content workflow. It keeps no state across
// runs: everything a resumption needs lives in the task row, the event
// log and the artifact store.
type Pipeline struct {
	text         TextGenerator
	queue        *genqueue.Queue
	artifacts    ArtifactStore
	maxRevisions int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewPipeline creates a Pipeline. maxRevisions bounds how many times a
// reject response may send the draft back to compose.
func NewPipeline(text TextGenerator, queue *genqueue.Queue, artifacts ArtifactStore, maxRevisions int, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		text:         text,
		queue:        queue,
		artifacts:    artifacts,
		maxRevisions: maxRevisions,
		retryBackoff: transientBackoff,
		logger:       logger.With("component", "pipeline"),
	}
}

// generate calls the text collaborator, retrying failures classified as
// domain.ErrTransient with doubling backoff. Permanent failures surface
// immediately; an exhausted retry budget surfaces the last error.
func (p *Pipeline) generate(ctx context.Context, prompt string) (string, error) {
	delay := p.retryBackoff
	for attempt := 0; ; attempt++ {
		out, err := p.text.GenerateText(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrTransient) || attempt == transientRetries {
			return "", err
		}

		p.logger.Warn("retrying transient generation failure",
			"attempt", attempt+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
	}
}

// Run executes the pipeline from the task's persisted position.
func (p *Pipeline) Run(ctx context.Context, emit task.Emitter, state task.RunState) (*task.Outcome, error) {
	if state.Response != nil {
		return p.resume(ctx, emit, state)
	}
	return p.produce(ctx, emit, state, "")
}

// resume handles a run that continues after human review. Approval
// finishes the task with the reviewed draft; rejection sends it back to
// compose with the reviewer's feedback, at most maxRevisions times.
func (p *Pipeline) resume(ctx context.Context, emit task.Emitter, state task.RunState) (*task.Outcome, error) {
	t := state.Task

	switch state.Response.Action {
	case "approve":
		ref := draftRef(t)
		if err := emit.StepCompleted(ctx, StepReview, 100); err != nil {
			return nil, err
		}
		return &task.Outcome{
			ArtifactRef: ref,
			Summary:     "draft approved by reviewer",
		}, nil

	case "reject":
		if state.Rejections > p.maxRevisions {
			return nil, fmt.Errorf("draft rejected %d times, revision limit is %d",
				state.Rejections, p.maxRevisions)
		}
		p.logger.Info("revising draft after rejection",
			"task_id", t.ID, "rejections", state.Rejections)
		return p.produce(ctx, emit, state, state.Response.CustomInput)

	default:
		return nil, domain.ErrInvalidAction
	}
}

// produce runs research through review. feedback, when non-empty, is a
// reviewer's rejection note folded into the compose prompt.
func (p *Pipeline) produce(ctx context.Context, emit task.Emitter, state task.RunState, feedback string) (*task.Outcome, error) {
	t := state.Task

	notes, err := p.research(ctx, emit, t, feedback != "")
	if err != nil {
		return nil, err
	}

	draft, err := p.compose(ctx, emit, t, notes, feedback)
	if err != nil {
		return nil, err
	}

	prompts, err := p.planAssets(ctx, emit, t, draft)
	if err != nil {
		return nil, err
	}

	stats, err := p.generateAssets(ctx, emit, t, prompts)
	if err != nil {
		return nil, err
	}

	if t.ThreadID != nil {
		if err := emit.StepStarted(ctx, StepReview, 95); err != nil {
			return nil, err
		}
		return &task.Outcome{
			Pause: &task.PauseRequest{
				Step:     StepReview,
				Question: reviewQuestion(stats),
			},
		}, nil
	}

	return &task.Outcome{
		ArtifactRef: draftRef(t),
		Summary:     fmt.Sprintf("draft produced with %d of %d assets", stats.Complete, stats.Total()),
	}, nil
}

// research gathers background notes for the message. A revision run
// reuses the stored notes instead of regenerating them.
func (p *Pipeline) research(ctx context.Context, emit task.Emitter, t *domain.Task, revision bool) (string, error) {
	ref := researchRef(t)

	if revision {
		stored, err := p.artifacts.Load(ctx, ref)
		if err == nil {
			return string(stored), nil
		}
		p.logger.Warn("stored research notes unavailable, regenerating",
			"task_id", t.ID, "error", err)
	}

	if err := emit.StepStarted(ctx, StepResearch, 10); err != nil {
		return "", err
	}
	if err := emit.ToolCall(ctx, StepResearch, "text_generator", nil); err != nil {
		return "", err
	}

	notes, err := p.generate(ctx, researchPrompt(t))
	if err != nil {
		return "", fmt.Errorf("research step failed: %w", err)
	}
	if err := p.artifacts.Save(ctx, ref, []byte(notes)); err != nil {
		return "", fmt.Errorf("failed to store research notes: %w", err)
	}

	if err := emit.StepCompleted(ctx, StepResearch, 25); err != nil {
		return "", err
	}
	return notes, nil
}

func (p *Pipeline) compose(ctx context.Context, emit task.Emitter, t *domain.Task, notes, feedback string) (string, error) {
	if err := emit.StepStarted(ctx, StepCompose, 30); err != nil {
		return "", err
	}

	draft, err := p.generate(ctx, composePrompt(t, notes, feedback))
	if err != nil {
		return "", fmt.Errorf("compose step failed: %w", err)
	}

	ref := draftRef(t)
	if err := p.artifacts.Save(ctx, ref, []byte(draft)); err != nil {
		return "", fmt.Errorf("failed to store draft: %w", err)
	}
	if err := emit.ArtifactCreated(ctx, ref, "draft"); err != nil {
		return "", err
	}

	if err := emit.StepCompleted(ctx, StepCompose, 50); err != nil {
		return "", err
	}
	return draft, nil
}

func (p *Pipeline) planAssets(ctx context.Context, emit task.Emitter, t *domain.Task, draft string) ([]string, error) {
	if err := emit.StepStarted(ctx, StepPlanAssets, 55); err != nil {
		return nil, err
	}

	plan, err := p.generate(ctx, planPrompt(draft))
	if err != nil {
		return nil, fmt.Errorf("asset planning failed: %w", err)
	}

	prompts := parsePrompts(plan)
	if len(prompts) == 0 {
		prompts = []string{fmt.Sprintf("illustration for: %s", t.Message)}
	}

	if err := emit.StepCompleted(ctx, StepPlanAssets, 65); err != nil {
		return nil, err
	}
	return prompts, nil
}

// generateAssets fans the planned prompts out to the generation queue
// as one batch and waits for every unit to finish. Individual unit
// failures are reported in the stats but never abort the pipeline.
func (p *Pipeline) generateAssets(ctx context.Context, emit task.Emitter, t *domain.Task, prompts []string) (domain.UnitStats, error) {
	if err := emit.StepStarted(ctx, StepGenerateAssets, 70); err != nil {
		return domain.UnitStats{}, err
	}

	batchID, err := p.queue.Enqueue(ctx, t.ID, prompts, 0)
	if err != nil {
		return domain.UnitStats{}, fmt.Errorf("failed to enqueue asset batch: %w", err)
	}

	args, _ := json.Marshal(map[string]any{"batch_id": batchID, "units": len(prompts)})
	if err := emit.ToolCall(ctx, StepGenerateAssets, "generation_queue", args); err != nil {
		return domain.UnitStats{}, err
	}

	stats, err := p.queue.AwaitBatch(ctx, batchID)
	if err != nil {
		return domain.UnitStats{}, fmt.Errorf("asset batch did not finish: %w", err)
	}

	msg := fmt.Sprintf("generated %d of %d assets", stats.Complete, stats.Total())
	if err := emit.Progress(ctx, StepGenerateAssets, 90, msg); err != nil {
		return domain.UnitStats{}, err
	}
	if err := emit.StepCompleted(ctx, StepGenerateAssets, 90); err != nil {
		return domain.UnitStats{}, err
	}
	return stats, nil
}

func researchPrompt(t *domain.Task) string {
	var b strings.Builder
	b.WriteString("Research background material for the following post request.\n\n")
	b.WriteString(t.Message)
	if len(t.Context) > 0 {
		b.WriteString("\n\nAdditional context:\n")
		b.Write(t.Context)
	}
	return b.String()
}

func composePrompt(t *domain.Task, notes, feedback string) string {
	var b strings.Builder
	b.WriteString("Compose a complete post draft.\n\nRequest:\n")
	b.WriteString(t.Message)
	b.WriteString("\n\nResearch notes:\n")
	b.WriteString(notes)
	if feedback != "" {
		b.WriteString("\n\nReviewer feedback on the previous draft:\n")
		b.WriteString(feedback)
	}
	return b.String()
}

func planPrompt(draft string) string {
	return fmt.Sprintf(
		"List up to %d image prompts, one per line, illustrating this draft:\n\n%s",
		maxAssetPrompts, draft)
}

// parsePrompts extracts one prompt per non-empty line, stripping list
// markers, capped at maxAssetPrompts.
func parsePrompts(plan string) []string {
	var prompts []string
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. ")
		if line == "" {
			continue
		}
		prompts = append(prompts, line)
		if len(prompts) == maxAssetPrompts {
			break
		}
	}
	return prompts
}

func reviewQuestion(stats domain.UnitStats) domain.Question {
	return domain.Question{
		Text: fmt.Sprintf(
			"The draft is ready with %d of %d generated assets. Approve it for publication, or reject it with feedback to request a revision.",
			stats.Complete, stats.Total()),
		Options: []domain.QuestionOption{
			{ID: "approve", Label: "Approve", Description: "Publish the draft as is"},
			{ID: "reject", Label: "Reject", Description: "Send the draft back for one revision"},
		},
		SelectionType:    domain.SelectionSingle,
		AllowCustomInput: true,
	}
}

func draftRef(t *domain.Task) string {
	return fmt.Sprintf("artifacts/%s/draft.md", t.ID)
}

func researchRef(t *domain.Task) string {
	return fmt.Sprintf("artifacts/%s/research.md", t.ID)
}
