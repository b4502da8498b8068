package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Initialize databases
// 2. Initialize repositories
// 3. Initialize services
// 4. Register jobs
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Initialize repositories
	if err := InitializeRepositories(container, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	// Step 3: Initialize services
	if err := InitializeServices(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 4: Register jobs
	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}
	container.Jobs = jobs

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}

// Start launches the background machinery: the delivery worker and the
// maintenance scheduler
func (c *Container) Start(ctx context.Context) {
	c.StartedAt = time.Now()
	c.Worker.Start(ctx)
	c.Scheduler.Start()
}

// Shutdown stops background work, closes client connections and the
// databases, in that order
func (c *Container) Shutdown(ctx context.Context) {
	c.Scheduler.Stop(ctx)
	c.Worker.Stop()
	c.Distributor.Shutdown(ctx)

	// Persist whatever offline deliveries are ready before the queue goes away
	c.Worker.ProcessAvailable(ctx)
	// Jobs still in retry backoff get one direct attempt
	if pending := c.QueueManager.Drain(); len(pending) > 0 {
		persisted, failed := c.Distributor.PersistQueued(ctx, pending)
		event := c.log.Info()
		if failed > 0 {
			event = c.log.Warn()
		}
		event.Int("persisted", persisted).Int("failed", failed).Msg("Flushed queued deliveries on shutdown")
	}
	c.closeDatabases()
	c.log.Info().Msg("Container shut down")
}

func (c *Container) closeDatabases() {
	if c.CoreDB != nil {
		if err := c.CoreDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close core database")
		}
	}
	if c.CacheDB != nil {
		if err := c.CacheDB.Close(); err != nil {
			c.log.Error().Err(err).Msg("Failed to close cache database")
		}
	}
}
