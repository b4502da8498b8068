// Package reliability holds the periodic maintenance jobs that keep the
// alert stores bounded and repair work that did not complete.
package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

const jobTimeout = 2 * time.Minute

// DeliveryPurger drops delivery records nobody can claim anymore
type DeliveryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time, keepDelivered time.Duration) (int64, error)
}

// CacheExpirer removes expired cache entries
type CacheExpirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Reconciler merges duplicates that slipped past the online check
type Reconciler interface {
	Reconcile(ctx context.Context, since time.Time) (int, error)
}

// SpikeReprocessor retries spikes whose pipeline run never completed
type SpikeReprocessor interface {
	ReprocessPending(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Checkpointer is a database that can be checked and checkpointed
type Checkpointer interface {
	QuickCheck(ctx context.Context) error
	WALCheckpoint(mode string) error
}

// DeliveryPurgeJob deletes expired and long-delivered delivery records
type DeliveryPurgeJob struct {
	store         DeliveryPurger
	metrics       *metrics.Registry
	now           func() time.Time
	log           zerolog.Logger
	keepDelivered time.Duration
}

// NewDeliveryPurgeJob creates the purge job. Delivered records are kept for keepDelivered.
func NewDeliveryPurgeJob(store DeliveryPurger, keepDelivered time.Duration, reg *metrics.Registry, log zerolog.Logger) *DeliveryPurgeJob {
	return &DeliveryPurgeJob{
		store:         store,
		metrics:       reg,
		now:           time.Now,
		log:           log.With().Str("job", "delivery_purge").Logger(),
		keepDelivered: keepDelivered,
	}
}

// Run executes the job
func (j *DeliveryPurgeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.store.PurgeExpired(ctx, j.now(), j.keepDelivered)
	if err != nil {
		return fmt.Errorf("delivery purge failed: %w", err)
	}
	j.metrics.Inc(metrics.MaintenanceRuns)
	if n > 0 {
		j.log.Info().Int64("purged", n).Msg("Delivery records purged")
	}
	return nil
}

// Name returns the job name for scheduler
func (j *DeliveryPurgeJob) Name() string {
	return "delivery_purge"
}

// CacheCleanupJob evicts expired cache entries from every tier
type CacheCleanupJob struct {
	cache   CacheExpirer
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewCacheCleanupJob creates the cache cleanup job
func NewCacheCleanupJob(c CacheExpirer, reg *metrics.Registry, log zerolog.Logger) *CacheCleanupJob {
	return &CacheCleanupJob{
		cache:   c,
		metrics: reg,
		log:     log.With().Str("job", "cache_cleanup").Logger(),
	}
}

// Run executes the job
func (j *CacheCleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.cache.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("cache cleanup failed: %w", err)
	}
	j.metrics.Inc(metrics.MaintenanceRuns)
	j.log.Debug().Int64("evicted", n).Msg("Cache cleaned")
	return nil
}

// Name returns the job name for scheduler
func (j *CacheCleanupJob) Name() string {
	return "cache_cleanup"
}

// DedupReconcileJob merges duplicate active alerts created within the lookback
type DedupReconcileJob struct {
	dedup    Reconciler
	metrics  *metrics.Registry
	now      func() time.Time
	log      zerolog.Logger
	lookback time.Duration
}

// NewDedupReconcileJob creates the reconcile job
func NewDedupReconcileJob(r Reconciler, lookback time.Duration, reg *metrics.Registry, log zerolog.Logger) *DedupReconcileJob {
	return &DedupReconcileJob{
		dedup:    r,
		metrics:  reg,
		now:      time.Now,
		log:      log.With().Str("job", "dedup_reconcile").Logger(),
		lookback: lookback,
	}
}

// Run executes the job
func (j *DedupReconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	merged, err := j.dedup.Reconcile(ctx, j.now().Add(-j.lookback))
	if err != nil {
		return fmt.Errorf("dedup reconcile failed: %w", err)
	}
	j.metrics.Inc(metrics.MaintenanceRuns)
	if merged > 0 {
		j.log.Info().Int("merged", merged).Msg("Duplicate alerts reconciled")
	}
	return nil
}

// Name returns the job name for scheduler
func (j *DedupReconcileJob) Name() string {
	return "dedup_reconcile"
}

// SpikeReprocessJob picks up spikes left unprocessed by a failed alert insert
type SpikeReprocessJob struct {
	pipeline SpikeReprocessor
	metrics  *metrics.Registry
	now      func() time.Time
	log      zerolog.Logger
	grace    time.Duration
	batch    int
}

// NewSpikeReprocessJob creates the job. Spikes younger than grace are left
// to their in-flight run.
func NewSpikeReprocessJob(p SpikeReprocessor, grace time.Duration, batch int, reg *metrics.Registry, log zerolog.Logger) *SpikeReprocessJob {
	if batch <= 0 {
		batch = 100
	}
	return &SpikeReprocessJob{
		pipeline: p,
		metrics:  reg,
		now:      time.Now,
		log:      log.With().Str("job", "spike_reprocess").Logger(),
		grace:    grace,
		batch:    batch,
	}
}

// Run executes the job
func (j *SpikeReprocessJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.pipeline.ReprocessPending(ctx, j.now().Add(-j.grace), j.batch)
	if err != nil {
		return fmt.Errorf("spike reprocessing failed: %w", err)
	}
	j.metrics.Inc(metrics.MaintenanceRuns)
	if n > 0 {
		j.log.Info().Int("reprocessed", n).Msg("Pending spikes reprocessed")
	}
	return nil
}

// Name returns the job name for scheduler
func (j *SpikeReprocessJob) Name() string {
	return "spike_reprocess"
}

// Disk space thresholds for the daily check
const (
	DefaultMinFreeBytes  = 500 << 20
	DefaultWarnFreeBytes = 5 << 30
)

// DailyMaintenanceJob checks and checkpoints the databases and watches disk space
type DailyMaintenanceJob struct {
	databases     map[string]Checkpointer
	metrics       *metrics.Registry
	log           zerolog.Logger
	dataDir       string
	minFreeBytes  uint64
	warnFreeBytes uint64
}

// NewDailyMaintenanceJob creates a new daily maintenance job
func NewDailyMaintenanceJob(databases map[string]Checkpointer, dataDir string, reg *metrics.Registry, log zerolog.Logger) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{
		databases:     databases,
		metrics:       reg,
		log:           log.With().Str("job", "daily_maintenance").Logger(),
		dataDir:       dataDir,
		minFreeBytes:  DefaultMinFreeBytes,
		warnFreeBytes: DefaultWarnFreeBytes,
	}
}

// Run executes the daily maintenance job
func (j *DailyMaintenanceJob) Run() error {
	j.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	for name, db := range j.databases {
		if err := db.QuickCheck(ctx); err != nil {
			j.log.Error().Str("database", name).Err(err).Msg("Database health check failed")
			return fmt.Errorf("database %s unhealthy: %w", name, err)
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not critical, the next run retries
			j.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint failed")
		}
	}

	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}

	j.metrics.Inc(metrics.MaintenanceRuns)
	j.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Daily maintenance completed")
	return nil
}

// Name returns the job name for scheduler
func (j *DailyMaintenanceJob) Name() string {
	return "daily_maintenance"
}

func (j *DailyMaintenanceJob) checkDiskSpace(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Float64("used_percent", usage.UsedPercent).Msg("Disk space check")

	if usage.Free < j.minFreeBytes {
		j.log.Error().Float64("available_gb", availableGB).Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free in %s", availableGB, j.dataDir)
	}
	if usage.Free < j.warnFreeBytes {
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}
