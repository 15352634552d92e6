package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/genqueue"
	"github.com/postcrafter/postcrafter-api/internal/store/storetest"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// scriptedText answers by prompt kind and records what it was asked.
type scriptedText struct {
	mu      sync.Mutex
	prompts []string
}

func (g *scriptedText) GenerateText(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	switch {
	case strings.HasPrefix(prompt, "Research"):
		return "notes: audience cares about reliability", nil
	case strings.HasPrefix(prompt, "Compose"):
		return "# Draft\n\nA reliable product story.", nil
	default:
		return "- sunrise banner\n- growth chart\n", nil
	}
}

func (g *scriptedText) asked(kind string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, prompt := range g.prompts {
		if strings.HasPrefix(prompt, kind) {
			count++
		}
	}
	return count
}

// flakyText fails its first calls before delegating to scripted
// answers, with either transient or permanent errors.
type flakyText struct {
	mu        sync.Mutex
	delegate  scriptedText
	failures  int
	calls     int
	transient bool
}

func (g *flakyText) GenerateText(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	fail := g.failures > 0
	if fail {
		g.failures--
	}
	g.mu.Unlock()

	if fail {
		if g.transient {
			return "", fmt.Errorf("%w: provider overloaded", domain.ErrTransient)
		}
		return "", errors.New("prompt rejected by provider")
	}
	return g.delegate.GenerateText(ctx, prompt)
}

func (g *flakyText) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type instantImages struct{}

func (instantImages) GenerateImage(_ context.Context, prompt string, onProgress func(float64)) (string, error) {
	onProgress(1.0)
	return "assets/" + prompt + ".png", nil
}

// recordingEmitter collects emitted events as "type:step" strings.
type recordingEmitter struct {
	mu     sync.Mutex
	record []string
}

func (e *recordingEmitter) add(entry string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = append(e.record, entry)
	return nil
}

func (e *recordingEmitter) StepStarted(_ context.Context, step string, _ int) error {
	return e.add("step_started:" + step)
}

func (e *recordingEmitter) StepCompleted(_ context.Context, step string, _ int) error {
	return e.add("step_completed:" + step)
}

func (e *recordingEmitter) Progress(_ context.Context, step string, _ int, _ string) error {
	return e.add("progress:" + step)
}

func (e *recordingEmitter) ToolCall(_ context.Context, step, tool string, _ json.RawMessage) error {
	return e.add("tool_call:" + step + ":" + tool)
}

func (e *recordingEmitter) ArtifactCreated(_ context.Context, ref, _ string) error {
	return e.add("artifact_created:" + ref)
}

func (e *recordingEmitter) events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.record...)
}

type pipelineFixture struct {
	pipeline  *Pipeline
	text      *scriptedText
	artifacts *FileArtifactStore
	emitter   *recordingEmitter
	cancel    context.CancelFunc
}

func newPipelineFixture(t *testing.T, maxRevisions int) *pipelineFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	units := storetest.NewMemUnitStore()
	queue := genqueue.New(units, instantImages{}, 2, 2*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = queue.Run(ctx) }()
	t.Cleanup(cancel)

	text := &scriptedText{}
	artifacts := NewFileArtifactStore(t.TempDir())

	return &pipelineFixture{
		pipeline:  NewPipeline(text, queue, artifacts, maxRevisions, logger),
		text:      text,
		artifacts: artifacts,
		emitter:   &recordingEmitter{},
		cancel:    cancel,
	}
}

func newPipelineTask(t *testing.T, humanReview bool) *domain.Task {
	t.Helper()
	created, err := domain.NewTask("announce the reliability release", nil, humanReview)
	require.NoError(t, err)
	return created
}

func TestPipeline_ProduceWithoutReview(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	run := newPipelineTask(t, false)

	outcome, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Nil(t, outcome.Pause)
	assert.Equal(t, fmt.Sprintf("artifacts/%s/draft.md", run.ID), outcome.ArtifactRef)
	assert.Contains(t, outcome.Summary, "2 of 2 assets")

	events := f.emitter.events()
	assert.Contains(t, events, "step_started:research")
	assert.Contains(t, events, "step_completed:compose")
	assert.Contains(t, events, "artifact_created:"+outcome.ArtifactRef)
	assert.Contains(t, events, "step_completed:generate_assets")
	assert.NotContains(t, events, "step_started:review",
		"a task without a review handle never pauses")

	draft, err := f.artifacts.Load(context.Background(), outcome.ArtifactRef)
	require.NoError(t, err)
	assert.Contains(t, string(draft), "Draft")
}

func TestPipeline_PausesForReview(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	run := newPipelineTask(t, true)

	outcome, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.NoError(t, err)
	require.NotNil(t, outcome.Pause)
	assert.Equal(t, StepReview, outcome.Pause.Step)

	question := outcome.Pause.Question
	assert.Equal(t, domain.SelectionSingle, question.SelectionType)
	assert.True(t, question.AllowCustomInput, "rejection feedback needs free text")
	require.Len(t, question.Options, 2)
	assert.Equal(t, "approve", question.Options[0].ID)
	assert.Equal(t, "reject", question.Options[1].ID)
}

func TestPipeline_ApproveFinishesWithDraft(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	run := newPipelineTask(t, true)

	_, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.NoError(t, err)

	outcome, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{
		Task:     run,
		Response: &domain.Response{Action: "approve", SelectedIDs: []string{"approve"}},
	})
	require.NoError(t, err)
	assert.Nil(t, outcome.Pause)
	assert.Equal(t, fmt.Sprintf("artifacts/%s/draft.md", run.ID), outcome.ArtifactRef)
	assert.Contains(t, f.emitter.events(), "step_completed:review")
}

func TestPipeline_RejectRevisesOnce(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	run := newPipelineTask(t, true)

	_, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.NoError(t, err)
	require.Equal(t, 1, f.text.asked("Research"))

	outcome, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{
		Task:       run,
		Response:   &domain.Response{Action: "reject", CustomInput: "too salesy, tone it down"},
		Rejections: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Pause, "the revised draft goes back to review")

	// The revision reuses stored research notes and folds the feedback
	// into the compose prompt.
	assert.Equal(t, 1, f.text.asked("Research"))
	require.Equal(t, 2, f.text.asked("Compose"))
	assert.Contains(t, f.text.prompts[len(f.text.prompts)-2], "too salesy")
}

func TestPipeline_RejectBeyondRevisionLimit(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	run := newPipelineTask(t, true)

	_, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{
		Task:       run,
		Response:   &domain.Response{Action: "reject"},
		Rejections: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revision limit")
}

func TestPipeline_RetriesTransientGenerationFailures(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	flaky := &flakyText{failures: 2, transient: true}
	f.pipeline.text = flaky
	f.pipeline.retryBackoff = time.Millisecond
	run := newPipelineTask(t, false)

	outcome, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, fmt.Sprintf("artifacts/%s/draft.md", run.ID), outcome.ArtifactRef)

	// Two transient research failures retried in-run, then the three
	// text steps succeed.
	assert.Equal(t, 5, flaky.callCount())
}

func TestPipeline_PermanentGenerationFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	flaky := &flakyText{failures: 1, transient: false}
	f.pipeline.text = flaky
	f.pipeline.retryBackoff = time.Millisecond
	run := newPipelineTask(t, false)

	_, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research step failed")
	assert.Equal(t, 1, flaky.callCount())
}

func TestPipeline_TransientRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(t, 1)
	flaky := &flakyText{failures: transientRetries + 2, transient: true}
	f.pipeline.text = flaky
	f.pipeline.retryBackoff = time.Millisecond
	run := newPipelineTask(t, false)

	_, err := f.pipeline.Run(context.Background(), f.emitter, task.RunState{Task: run})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, transientRetries+1, flaky.callCount())
}

func TestParsePrompts(t *testing.T) {
	t.Parallel()

	prompts := parsePrompts("- first idea\n2. second idea\n\n* third idea\n")
	assert.Equal(t, []string{"first idea", "second idea", "third idea"}, prompts)

	capped := parsePrompts("a\nb\nc\nd\ne\nf")
	assert.Len(t, capped, maxAssetPrompts)

	assert.Empty(t, parsePrompts("   \n\n"))
}
