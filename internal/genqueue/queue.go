// Package genqueue runs the bounded-concurrency worker pool that drains
// generation units. Work is persisted first and claimed atomically, so
// at most the configured number of units are generating at any moment
// and a crashed worker's unit is never double-produced.
package genqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/store"
)

// ImageGenerator produces one image for one prompt. Implementations
// report fractional progress through the callback as they go.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, onProgress func(float64)) (resultRef string, err error)
}

// Queue is the generation worker pool. Pausing stops workers from
// claiming new units; units already generating always run to completion.
type Queue struct {
	units        store.GenerationUnitStore
	generator    ImageGenerator
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration

	paused atomic.Bool
	wake   chan struct{}
}

// New creates a Queue with the given worker count and claim poll interval.
func New(units store.GenerationUnitStore, generator ImageGenerator, workers int, pollInterval time.Duration, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		units:        units,
		generator:    generator,
		logger:       logger.With("component", "generation_queue"),
		workers:      workers,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Run starts the worker pool and blocks until ctx is canceled. In-flight
// units finish before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("starting generation workers", "workers", q.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.runWorker(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) runWorker(ctx context.Context, worker int) {
	log := q.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}

		if q.paused.Load() {
			if !q.sleep(ctx) {
				return
			}
			continue
		}

		unit, err := q.units.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrClaimLost) {
				log.Error("failed to claim unit", "error", err)
			}
			if !q.sleep(ctx) {
				return
			}
			continue
		}

		q.process(ctx, log, unit)
	}
}

// process runs one claimed unit to a terminal status. A unit's failure
// is recorded on the unit alone; the batch and its siblings continue.
func (q *Queue) process(ctx context.Context, log *slog.Logger, unit *domain.GenerationUnit) {
	log = log.With("unit_id", unit.ID, "batch_id", unit.BatchID)
	log.Info("generating unit")

	onProgress := func(progress float64) {
		if err := q.units.SetProgress(ctx, unit.ID, progress); err != nil {
			log.Warn("failed to record unit progress", "error", err)
		}
	}

	resultRef, err := q.generator.GenerateImage(ctx, unit.Prompt, onProgress)
	if err != nil {
		log.Error("unit generation failed", "error", err)
		if ferr := q.units.Fail(context.WithoutCancel(ctx), unit.ID, err.Error()); ferr != nil {
			log.Error("failed to record unit failure", "error", ferr)
		}
		return
	}

	if err := q.units.Complete(context.WithoutCancel(ctx), unit.ID, resultRef); err != nil {
		log.Error("failed to record unit completion", "error", err)
		return
	}
	log.Info("unit complete", "result_ref", resultRef)
}

// sleep waits for the poll interval or an early wake-up. It returns
// false when ctx is canceled.
func (q *Queue) sleep(ctx context.Context) bool {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-q.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists one queued unit per prompt as a single batch and
// returns the batch ID.
func (q *Queue) Enqueue(ctx context.Context, taskID uuid.UUID, prompts []string, priority int) (uuid.UUID, error) {
	if len(prompts) == 0 {
		return uuid.Nil, fmt.Errorf("%w: batch must contain at least one prompt", domain.ErrValidation)
	}

	batchID := uuid.New()
	units := make([]*domain.GenerationUnit, 0, len(prompts))
	for _, prompt := range prompts {
		unit, err := domain.NewGenerationUnit(taskID, batchID, prompt, priority)
		if err != nil {
			return uuid.Nil, err
		}
		units = append(units, unit)
	}

	if err := q.units.CreateBatch(ctx, units); err != nil {
		return uuid.Nil, err
	}

	q.logger.Info("batch enqueued",
		"batch_id", batchID, "task_id", taskID, "units", len(units))
	q.nudge()
	return batchID, nil
}

// Pause stops workers from claiming new units. Units already generating
// finish normally.
func (q *Queue) Pause() {
	q.paused.Store(true)
	q.logger.Info("queue paused")
}

// Resume lets workers claim units again.
func (q *Queue) Resume() {
	q.paused.Store(false)
	q.logger.Info("queue resumed")
	q.nudge()
}

// Paused reports whether the queue is currently paused.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// Cancel removes a queued unit from the queue.
// Returns domain.ErrUnitNotQueued if the unit already started generating
// or finished.
func (q *Queue) Cancel(ctx context.Context, unitID uuid.UUID) error {
	return q.units.Cancel(ctx, unitID)
}

// CancelTask cancels every still-queued unit owned by a task. Units
// already generating or terminal are left alone.
func (q *Queue) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	units, err := q.units.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.Status != domain.UnitQueued {
			continue
		}
		if err := q.units.Cancel(ctx, unit.ID); err != nil && !errors.Is(err, domain.ErrUnitNotQueued) {
			return err
		}
	}
	return nil
}

// Stats returns unit counts per status across the whole queue.
func (q *Queue) Stats(ctx context.Context) (domain.UnitStats, error) {
	return q.units.Stats(ctx)
}

// BatchStats returns unit counts per status for one batch.
func (q *Queue) BatchStats(ctx context.Context, batchID uuid.UUID) (domain.UnitStats, error) {
	return q.units.BatchStats(ctx, batchID)
}

// AwaitBatch blocks until every unit in the batch reaches a terminal
// status, then returns the final counts. It returns ctx.Err() if the
// context ends first.
func (q *Queue) AwaitBatch(ctx context.Context, batchID uuid.UUID) (domain.UnitStats, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		stats, err := q.units.BatchStats(ctx, batchID)
		if err != nil {
			return domain.UnitStats{}, err
		}
		if stats.AllTerminal() {
			return stats, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return domain.UnitStats{}, ctx.Err()
		}
	}
}
