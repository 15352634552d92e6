package genqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
	"github.com/postcrafter/postcrafter-api/internal/store/storetest"
)

// fakeGenerator records how many units generate concurrently and can be
// told to fail specific prompts.
type fakeGenerator struct {
	mu        sync.Mutex
	active    int
	maxActive int
	delay     time.Duration
}

func (g *fakeGenerator) GenerateImage(ctx context.Context, prompt string, onProgress func(float64)) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	onProgress(0.5)
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if strings.Contains(prompt, "broken") {
		return "", errors.New("render failed")
	}
	return "assets/" + prompt + ".png", nil
}

func (g *fakeGenerator) peakConcurrency() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

func newQueueFixture(t *testing.T, workers int, delay time.Duration) (*Queue, *storetest.MemUnitStore, *fakeGenerator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	units := storetest.NewMemUnitStore()
	generator := &fakeGenerator{delay: delay}
	return New(units, generator, workers, 5*time.Millisecond, logger), units, generator
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, _, generator := newQueueFixture(t, 2, 20*time.Millisecond)

	prompts := make([]string, 6)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("hero image %d", i)
	}
	batchID, err := q.Enqueue(ctx, uuid.New(), prompts, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	stats, err := q.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Complete)
	assert.Zero(t, stats.Failed)
	assert.True(t, stats.AllTerminal())

	assert.LessOrEqual(t, generator.peakConcurrency(), 2,
		"no more units generate at once than there are workers")
	assert.GreaterOrEqual(t, generator.peakConcurrency(), 2,
		"both workers drain the backlog")

	cancel()
	<-done
}

func TestQueue_UnitFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, units, _ := newQueueFixture(t, 2, time.Millisecond)

	taskID := uuid.New()
	batchID, err := q.Enqueue(ctx, taskID, []string{"cover", "broken banner", "footer"}, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	stats, err := q.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Complete)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, stats.AllTerminal(), "siblings of a failed unit still finish")

	listed, err := units.ListByTask(ctx, taskID)
	require.NoError(t, err)
	for _, unit := range listed {
		if unit.Status == domain.UnitFailed {
			assert.Contains(t, unit.ErrorMessage, "render failed")
		} else {
			require.NotNil(t, unit.ResultRef)
			assert.Equal(t, 1.0, unit.Progress)
		}
	}

	cancel()
	<-done
}

func TestQueue_PauseStopsClaiming(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, _, _ := newQueueFixture(t, 2, time.Millisecond)
	q.Pause()
	require.True(t, q.Paused())

	batchID, err := q.Enqueue(ctx, uuid.New(), []string{"one", "two"}, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	stats, err := q.BatchStats(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued, "a paused queue claims nothing")
	assert.Zero(t, stats.Generating)

	q.Resume()
	require.False(t, q.Paused())

	final, err := q.AwaitBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Complete)

	cancel()
	<-done
}

func TestQueue_CancelQueuedUnit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, units, _ := newQueueFixture(t, 1, time.Millisecond)

	taskID := uuid.New()
	_, err := q.Enqueue(ctx, taskID, []string{"keep", "drop"}, 0)
	require.NoError(t, err)

	listed, err := units.ListByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	var dropID uuid.UUID
	for _, unit := range listed {
		if unit.Prompt == "drop" {
			dropID = unit.ID
		}
	}

	require.NoError(t, q.Cancel(ctx, dropID))

	dropped, err := units.GetByID(ctx, dropID)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitFailed, dropped.Status)
	assert.Equal(t, "canceled", dropped.ErrorMessage)

	// A unit past queued cannot be canceled.
	err = q.Cancel(ctx, dropID)
	assert.ErrorIs(t, err, domain.ErrUnitNotQueued)
}

func TestQueue_CancelTaskLeavesNonQueuedAlone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, units, _ := newQueueFixture(t, 1, time.Millisecond)

	taskID := uuid.New()
	_, err := q.Enqueue(ctx, taskID, []string{"a", "b", "c"}, 0)
	require.NoError(t, err)

	// Claim one unit so it is generating when the task is canceled.
	claimed, err := units.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.CancelTask(ctx, taskID))

	listed, err := units.ListByTask(ctx, taskID)
	require.NoError(t, err)
	for _, unit := range listed {
		if unit.ID == claimed.ID {
			assert.Equal(t, domain.UnitGenerating, unit.Status)
		} else {
			assert.Equal(t, domain.UnitFailed, unit.Status)
			assert.Equal(t, "canceled", unit.ErrorMessage)
		}
	}
}

func TestQueue_ClaimOrderRespectsPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, units, _ := newQueueFixture(t, 1, time.Millisecond)

	taskID := uuid.New()
	_, err := q.Enqueue(ctx, taskID, []string{"routine"}, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskID, []string{"urgent"}, 5)
	require.NoError(t, err)

	first, err := units.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "urgent", first.Prompt)

	second, err := units.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "routine", second.Prompt)

	_, err = units.ClaimNext(ctx)
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestQueue_EnqueueEmptyBatch(t *testing.T) {
	t.Parallel()

	q, _, _ := newQueueFixture(t, 1, time.Millisecond)

	_, err := q.Enqueue(context.Background(), uuid.New(), nil, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateBatchAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	units := storetest.NewMemUnitStore()

	taskID := uuid.New()
	batchID := uuid.New()
	good, err := domain.NewGenerationUnit(taskID, batchID, "cover image", 0)
	require.NoError(t, err)
	bad, err := domain.NewGenerationUnit(taskID, batchID, "banner image", 0)
	require.NoError(t, err)
	bad.Prompt = ""

	err = units.CreateBatch(ctx, []*domain.GenerationUnit{good, bad})
	require.Error(t, err)

	// One invalid unit keeps the whole batch out, the valid sibling
	// included.
	_, err = units.GetByID(ctx, good.ID)
	assert.ErrorIs(t, err, store.ErrUnitNotFound)

	stats, err := units.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}
