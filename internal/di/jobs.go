package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/reliability"
)

// Cron specs for the maintenance jobs
const (
	SpecDeliveryPurge    = "@every 1h"
	SpecCacheCleanup     = "@every 10m"
	SpecDedupReconcile   = "@every 5m"
	SpecSpikeReprocess   = "@every 1m"
	SpecDailyMaintenance = "30 3 * * *"

	keepDeliveredFor = 7 * 24 * time.Hour
	reprocessGrace   = 30 * time.Second
	reprocessBatch   = 100
)

// RegisterJobs creates the maintenance jobs and adds them to the scheduler
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.Scheduler == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}
	reg := container.Metrics

	instances := &JobInstances{
		DeliveryPurge: reliability.NewDeliveryPurgeJob(container.DeliveryRepo, keepDeliveredFor, reg, log),
		CacheCleanup:  reliability.NewCacheCleanupJob(container.Cache, reg, log),
		// Look back two windows so a pair straddling a run boundary is still seen together
		DedupReconcile: reliability.NewDedupReconcileJob(container.Deduplicator, 2*cfg.Dedup.Window, reg, log),
		SpikeReprocess: reliability.NewSpikeReprocessJob(container.Pipeline, reprocessGrace, reprocessBatch, reg, log),
		DailyMaintenance: reliability.NewDailyMaintenanceJob(
			map[string]reliability.Checkpointer{
				database.NameCore:  container.CoreDB,
				database.NameCache: container.CacheDB,
			},
			cfg.DataDir,
			reg,
			log,
		),
	}

	schedule := []struct {
		spec string
		job  queue.ScheduledJob
	}{
		{SpecDeliveryPurge, instances.DeliveryPurge},
		{SpecCacheCleanup, instances.CacheCleanup},
		{SpecDedupReconcile, instances.DedupReconcile},
		{SpecSpikeReprocess, instances.SpikeReprocess},
		{SpecDailyMaintenance, instances.DailyMaintenance},
	}
	for _, s := range schedule {
		if err := container.Scheduler.AddJob(s.spec, s.job); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", s.job.Name(), err)
		}
	}

	log.Info().Int("jobs", len(schedule)).Msg("Maintenance jobs registered")
	return instances, nil
}
