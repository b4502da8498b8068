package di

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/clients/telegram"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/config"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/distribution"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/catalyst"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/dedup"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/detection"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/narrative"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/pipeline"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/modules/scoring"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
)

// InitializeServices creates the infrastructure and the alerting services.
// Repositories must be initialized first.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.AlertRepo == nil {
		return fmt.Errorf("repositories not initialized")
	}

	// ==========================================
	// STEP 1: Infrastructure
	// ==========================================

	container.Metrics = metrics.NewRegistry()
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	container.HotCache = cache.NewMemoryCache()
	container.ColdCache = cache.NewSQLiteCache(container.CacheDB.Conn())
	container.Cache = cache.NewTiered(container.HotCache, container.ColdCache)

	container.QueueManager = queue.NewManager()
	container.Worker = queue.NewWorker(container.QueueManager, cfg.Distribution.WorkerInterval, container.Metrics, log)
	container.Scheduler = queue.NewScheduler()
	container.Scheduler.SetLogger(log)

	// ==========================================
	// STEP 2: Detection and enrichment
	// ==========================================

	container.Detector = detection.NewDetector(
		container.MarketRepo,
		cfg.Detection.WindowSize,
		cfg.Detection.Threshold,
		container.EventManager,
		container.Metrics,
		log,
	)

	container.Correlator = catalyst.NewCorrelator(
		container.CatalystRepo,
		cfg.Catalyst.MentionThreshold,
		cfg.Catalyst.Timeout,
		cfg.Catalyst.NarrativeMinDelta,
		container.Metrics,
		log,
	)
	container.EvidenceService = catalyst.NewEvidenceService(container.CatalystRepo, container.EventManager, log)

	container.Scorer = scoring.NewScorer(container.Cache, cfg.Scoring.CacheTTL, container.Metrics, log)
	// New evidence changes a ticker's inputs, so cached scores must go
	container.Scorer.SubscribeInvalidation(container.EventBus)

	container.Narrator = narrative.NewClient(cfg.Narrative.URL, cfg.Narrative.Timeout, container.Metrics, log)

	// ==========================================
	// STEP 3: Dedup and distribution
	// ==========================================

	container.Distributor = distribution.NewDistributor(
		distribution.NewRegistry(),
		container.SubscriptionRepo,
		container.DeliveryRepo,
		container.QueueManager,
		container.Cache,
		distribution.Config{
			Connection: distribution.Options{
				BatchInterval:    cfg.Distribution.BatchInterval,
				HeartbeatTimeout: cfg.Distribution.HeartbeatTimeout,
				SendTimeout:      cfg.Distribution.SendTimeout,
				ClientRateLimit:  int(cfg.Distribution.ClientRateLimit),
			},
			OfflineTTL: cfg.Distribution.OfflineTTL,
		},
		container.EventManager,
		container.Metrics,
		log,
	)
	container.Worker.Register(queue.JobTypeOfflineDelivery, container.Distributor.HandleOfflineDelivery)
	container.Worker.OnExpired(container.Distributor.HandleExpiredJob)

	// Merged duplicates hand their pending deliveries to the primary through
	// the distributor, which owns the payload encoding
	container.Deduplicator = dedup.NewDeduplicator(
		container.AlertRepo,
		container.Distributor,
		container.Cache,
		cfg.Dedup.Window,
		cfg.Dedup.SignificanceRatio,
		container.EventManager,
		container.Metrics,
		log,
	)

	if cfg.Telegram.BotToken != "" {
		client, err := telegram.NewClient(
			cfg.Telegram.BotToken,
			strconv.FormatInt(cfg.Telegram.ChatID, 10),
			3,
			time.Second,
			log,
		)
		if err != nil {
			// Operator notifications are optional; alerts still flow without them
			log.Warn().Err(err).Msg("Telegram notifier unavailable, continuing without it")
		} else {
			container.Telegram = client
			container.Distributor.SetNotifier(client)
		}
	}

	// ==========================================
	// STEP 4: Pipeline
	// ==========================================

	container.Pipeline = pipeline.NewService(
		container.Detector,
		container.Correlator,
		container.Scorer,
		container.Narrator,
		container.Deduplicator,
		container.Distributor,
		container.MarketRepo,
		container.AlertRepo,
		pipeline.Config{
			CatalystWindow:    cfg.Catalyst.Window,
			FrequencyLookback: cfg.Scoring.FrequencyWindow,
		},
		container.EventManager,
		container.Metrics,
		log,
	)

	log.Info().Bool("telegram", container.Telegram != nil).Bool("narrative", cfg.Narrative.URL != "").Msg("Services initialized")
	return nil
}
