// Package di provides dependency injection wiring and initialization.
package di

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/clients/telegram"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/database"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/distribution"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/alerts"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/catalyst"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/dedup"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/delivery"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/detection"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/market"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/narrative"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/pipeline"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/scoring"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/subscriptions"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/reliability"
)

// Container holds all application dependencies
type Container struct {
	// Databases
	CoreDB  *database.DB // tickerpulse.db - samples, spikes, evidence, alerts, subscriptions, deliveries
	CacheDB *database.DB // cache.db - persistent cache tier

	// Repositories
	MarketRepo       *market.Repository
	CatalystRepo     *catalyst.Repository
	AlertRepo        *alerts.Repository
	SubscriptionRepo *subscriptions.Repository
	DeliveryRepo     *delivery.Repository

	// Infrastructure
	HotCache     *cache.MemoryCache
	ColdCache    *cache.SQLiteCache
	Cache        *cache.Tiered
	EventBus     *events.Bus
	EventManager *events.Manager
	Metrics      *metrics.Registry
	QueueManager *queue.Manager
	Worker       *queue.Worker
	Scheduler    *queue.Scheduler

	// Services
	Detector        *detection.Detector
	Correlator      *catalyst.Correlator
	EvidenceService *catalyst.EvidenceService
	Scorer          *scoring.Scorer
	Narrator        *narrative.Client
	Deduplicator    *dedup.Deduplicator
	Distributor     *distribution.Distributor
	Telegram        *telegram.Client // nil unless configured
	Pipeline        *pipeline.Service

	Jobs      *JobInstances
	StartedAt time.Time
	log       zerolog.Logger
}

// JobInstances holds references to the scheduled maintenance jobs so they
// can be triggered manually
type JobInstances struct {
	DeliveryPurge    *reliability.DeliveryPurgeJob
	CacheCleanup     *reliability.CacheCleanupJob
	DedupReconcile   *reliability.DedupReconcileJob
	SpikeReprocess   *reliability.SpikeReprocessJob
	DailyMaintenance *reliability.DailyMaintenanceJob
}
