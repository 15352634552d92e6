// Package main implements the entry point for the PostCrafter API
// server, which runs the background task orchestration layer: the task
// workflow engine, the event stream gateway, the generation queue, and
// the job scheduler.
package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"github.com/postcrafter/postcrafter-api/internal/config"
	"github.com/postcrafter/postcrafter-api/internal/platform/logger"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_workers", cfg.Queue.Workers,
		"scheduler_poll_interval", cfg.Scheduler.PollInterval)

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to initialize application", "error", err)
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	if err := app.run(context.Background()); err != nil {
		appLogger.Error("application exited with error", "error", err)
		log.Fatalf("Application error: %v", err)
	}
}
