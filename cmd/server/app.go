package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postcrafter/postcrafter-api/internal/config"
	"github.com/postcrafter/postcrafter-api/internal/genqueue"
	"github.com/postcrafter/postcrafter-api/internal/platform/postgres"
	"github.com/postcrafter/postcrafter-api/internal/ratelimit"
	"github.com/postcrafter/postcrafter-api/internal/scheduler"
	"github.com/postcrafter/postcrafter-api/internal/store"
	"github.com/postcrafter/postcrafter-api/internal/stream"
	"github.com/postcrafter/postcrafter-api/internal/task"
	"github.com/postcrafter/postcrafter-api/internal/workflow"
)

// artifactDir is where workflow artifacts (drafts, research notes) are
// written.
const artifactDir = "data"

// simulatedImageLatency paces the built-in local image generator.
const simulatedImageLatency = 2 * time.Second

// application holds the wired dependency graph.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	jobStore       store.JobStore
	executionStore store.JobExecutionStore
	taskStore      store.TaskStore
	eventStore     store.TaskEventStore
	unitStore      store.GenerationUnitStore

	broker       *stream.Broker
	queue        *genqueue.Queue
	orchestrator *task.Orchestrator
	scheduler    *scheduler.Scheduler
}

// newApplication wires every component: stores over the shared pool,
// the event broker, the generation queue, the workflow pipeline, the
// orchestrator, and the scheduler.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := setupDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	app := &application{
		config:         cfg,
		logger:         logger,
		db:             db,
		jobStore:       postgres.NewJobStore(db),
		executionStore: postgres.NewJobExecutionStore(db),
		taskStore:      postgres.NewTaskStore(db),
		eventStore:     postgres.NewTaskEventStore(db),
		unitStore:      postgres.NewGenerationUnitStore(db),
	}

	app.broker = stream.NewBroker(app.eventStore, logger)
	app.queue = genqueue.New(
		app.unitStore,
		workflow.LocalImageGenerator{Latency: simulatedImageLatency},
		cfg.Queue.Workers,
		cfg.Queue.PollInterval,
		logger,
	)

	pipeline := workflow.NewPipeline(
		workflow.LocalTextGenerator{},
		app.queue,
		workflow.NewFileArtifactStore(artifactDir),
		1, // one revision loop per rejection
		logger,
	)

	app.orchestrator = task.NewOrchestrator(
		app.taskStore,
		app.eventStore,
		app.executionStore,
		app.broker,
		pipeline,
		app.queue,
		cfg.Task.Timeout,
		logger,
	)

	limiter, err := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	app.scheduler = scheduler.New(
		app.jobStore,
		app.executionStore,
		app.orchestrator,
		limiter,
		scheduler.RetryPolicy{
			MaxRetries: cfg.Scheduler.MaxRetries,
			BaseDelay:  cfg.Scheduler.RetryBaseDelay,
			MaxDelay:   cfg.Scheduler.RetryMaxDelay,
		},
		cfg.Scheduler.PollInterval,
		logger,
	)

	return app, nil
}

// run starts the queue workers, the scheduler, and the HTTP server, and
// blocks until a shutdown signal or a fatal component error.
func (app *application) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.orchestrator.RecoverInterrupted(ctx); err != nil {
		app.logger.Error("failed to recover interrupted tasks", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.queue.Run(ctx)
	})
	g.Go(func() error {
		err := app.scheduler.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return app.startHTTPServer(ctx, app.setupRouter())
	})

	err := g.Wait()
	app.orchestrator.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// cleanup releases resources held by the application.
func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}
