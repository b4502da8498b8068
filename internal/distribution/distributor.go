package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/queue"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/utils"
)

const moduleName = "distribution"

// SubscriptionStore resolves who watches what
type SubscriptionStore interface {
	GetSubscribersForTicker(ctx context.Context, ticker string) ([]domain.Subscription, error)
	GetUserTickers(ctx context.Context, userID string) ([]string, error)
	ReplaceUserTickers(ctx context.Context, userID string, tickers []string) error
}

// DeliveryStore persists offline deliveries
type DeliveryStore interface {
	InsertDeliveryRecord(ctx context.Context, rec *domain.DeliveryRecord) (bool, error)
	GetUndeliveredRecords(ctx context.Context, userID string, now time.Time) ([]*domain.DeliveryRecord, error)
	MarkDelivered(ctx context.Context, ids []string, at time.Time) error
	RepointAlert(ctx context.Context, fromAlertID, toAlertID, payload string, priority domain.Severity) (int64, error)
}

// Notifier is an optional operator sink for critical alerts
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *domain.DivergenceAlert) error
}

// Config holds distributor settings
type Config struct {
	Connection Options
	// OfflineTTL is how long an offline delivery stays claimable
	OfflineTTL time.Duration
	// NotifyTimeout bounds a single operator notification
	NotifyTimeout time.Duration
}

// Report summarizes one Distribute call
type Report struct {
	Live    int
	Queued  int
	Skipped int
	Failed  int
}

// Distributor routes alerts to live connections or the offline queue
type Distributor struct {
	registry   *Registry
	subs       SubscriptionStore
	deliveries DeliveryStore
	queue      queue.Queue
	cache      cache.Cache
	notifier   Notifier
	events     *events.Manager
	metrics    *metrics.Registry
	userLocks  *utils.KeyedMutex
	now        func() time.Time
	log        zerolog.Logger
	cfg        Config
}

// NewDistributor creates a distributor. Cache and notifier may be nil.
func NewDistributor(
	registry *Registry,
	subs SubscriptionStore,
	deliveries DeliveryStore,
	q queue.Queue,
	c cache.Cache,
	cfg Config,
	em *events.Manager,
	reg *metrics.Registry,
	log zerolog.Logger,
) *Distributor {
	cfg.Connection = cfg.Connection.withDefaults()
	if cfg.OfflineTTL <= 0 {
		cfg.OfflineTTL = 24 * time.Hour
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Distributor{
		registry:   registry,
		subs:       subs,
		deliveries: deliveries,
		queue:      q,
		cache:      c,
		events:     em,
		metrics:    reg,
		userLocks:  utils.NewKeyedMutex(),
		now:        time.Now,
		log:        log.With().Str("component", "distributor").Logger(),
		cfg:        cfg,
	}
}

// SetNotifier attaches the operator sink
func (d *Distributor) SetNotifier(n Notifier) {
	d.notifier = n
}

// Registry exposes the connection registry
func (d *Distributor) Registry() *Registry {
	return d.registry
}

// Open registers an authenticated client, greets it with its watch-list and
// flushes anything it missed while offline
func (d *Distributor) Open(ctx context.Context, userID string, transport Transport) (*Connection, error) {
	c := newConnection(uuid.New().String(), userID, transport, d, d.cfg.Connection, d.metrics, d.log, d.now)
	c.setState(StateAuthenticated)

	tickers, err := d.subs.GetUserTickers(ctx, userID)
	if err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load watch-list, starting empty")
	}
	if tickers == nil {
		tickers = []string{}
	}
	c.setWatchlist(tickers)
	c.start()

	if err := c.Send(ctx, ConnectionMessage{Type: TypeConnection, Status: "connected", Watchlist: tickers}); err != nil {
		c.Close("greeting failed")
		return nil, fmt.Errorf("failed to greet %s: %w", userID, err)
	}
	// Registered only after the greeting so no alert overtakes it
	d.registry.Add(c)
	if c.ctx.Err() != nil {
		d.registry.Remove(c)
		return nil, ErrConnectionClosed
	}
	c.setState(StateStreaming)

	d.touchPresence(ctx, userID)
	d.metrics.Inc(metrics.ConnectionsOpened)
	d.events.Emit(moduleName, &events.ClientData{UserID: userID, Connected: true})
	d.log.Info().Str("user_id", userID).Str("connection_id", c.ID).Int("watchlist", len(tickers)).Msg("Client streaming")

	if _, err := d.FlushOffline(ctx, c); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("Offline flush failed, will retry on next reconnect")
	}
	return c, nil
}

// Distribute routes an alert to every matching subscriber. Failures are
// isolated per recipient; only the subscriber lookup can fail the call.
func (d *Distributor) Distribute(ctx context.Context, alert *domain.DivergenceAlert) (Report, error) {
	var report Report
	if alert.Status == domain.AlertStatusBundled {
		return report, nil
	}

	subs, err := d.subs.GetSubscribersForTicker(ctx, alert.Ticker)
	if err != nil {
		return report, domain.DataUnavailable("load subscribers", err)
	}

	watching := make(map[string][]*Connection)
	for _, c := range d.registry.Watchers(alert.Ticker) {
		watching[c.UserID] = append(watching[c.UserID], c)
	}

	for _, sub := range subs {
		if !sub.Matches(alert) {
			report.Skipped++
			continue
		}

		accepted := 0
		for _, c := range watching[sub.UserID] {
			if c.Deliver(alert, ActionInsert) {
				accepted++
			}
		}
		if accepted > 0 {
			report.Live++
			continue
		}

		if err := d.queueOffline(ctx, sub.UserID, alert); err != nil {
			report.Failed++
			d.log.Warn().Err(err).Str("user_id", sub.UserID).Str("alert_id", alert.ID).Msg("Offline hand-off failed")
			continue
		}
		report.Queued++
	}

	if alert.Severity == domain.SeverityCritical {
		d.notifyOperator(alert)
	}

	d.log.Debug().
		Str("alert_id", alert.ID).
		Int("live", report.Live).
		Int("queued", report.Queued).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Alert distributed")
	return report, nil
}

// Announce pushes a lifecycle change of an alert to connected subscribers
// only. Offline users see the current state when they fetch the alert.
func (d *Distributor) Announce(ctx context.Context, alert *domain.DivergenceAlert, action string) (int, error) {
	subs, err := d.subs.GetSubscribersForTicker(ctx, alert.Ticker)
	if err != nil {
		return 0, domain.DataUnavailable("load subscribers", err)
	}
	wanted := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if sub.Matches(alert) {
			wanted[sub.UserID] = true
		}
	}

	sent := 0
	for _, c := range d.registry.Watchers(alert.Ticker) {
		if wanted[c.UserID] && c.Deliver(alert, action) {
			sent++
		}
	}
	d.log.Debug().Str("alert_id", alert.ID).Str("action", action).Int("connections", sent).Msg("Alert change announced")
	return sent, nil
}

func jobPriority(s domain.Severity) queue.Priority {
	switch s {
	case domain.SeverityCritical:
		return queue.PriorityCritical
	case domain.SeverityHigh:
		return queue.PriorityHigh
	case domain.SeverityMedium:
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

// queueOffline converts the alert into a DeliveryRecord and hands it to the queue
func (d *Distributor) queueOffline(ctx context.Context, userID string, alert *domain.DivergenceAlert) error {
	now := d.now()
	payload, err := EncodeEnvelope(NewAlertEnvelope(alert, ActionInsert, now))
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.ID, err)
	}

	created := alert.CreatedAt
	if created.IsZero() {
		created = now
	}
	rec := &domain.DeliveryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		AlertID:   alert.ID,
		Payload:   payload,
		Priority:  alert.Severity,
		CreatedAt: created,
		ExpiresAt: created.Add(d.cfg.OfflineTTL),
	}
	if rec.Expired(now) {
		d.expire(rec)
		return fmt.Errorf("alert %s for %s: %w", alert.ID, userID, domain.ErrDeliveryExpired)
	}

	if _, err := d.queue.Enqueue(queue.JobTypeOfflineDelivery, rec, queue.EnqueueOptions{
		Priority: jobPriority(alert.Severity),
		TTL:      rec.ExpiresAt.Sub(now),
	}); err != nil {
		d.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Enqueue failed, persisting delivery directly")
		if _, err := d.deliveries.InsertDeliveryRecord(ctx, rec); err != nil {
			return err
		}
	}
	d.metrics.Inc(metrics.DeliveriesQueued)
	return nil
}

// HandleOfflineDelivery is the queue handler persisting a DeliveryRecord.
// Errors are retried by the worker until the record expires.
func (d *Distributor) HandleOfflineDelivery(ctx context.Context, job *queue.Job) error {
	rec, ok := job.Payload.(*domain.DeliveryRecord)
	if !ok {
		d.log.Error().Str("job_id", job.ID).Msg("Offline delivery job without a delivery record, dropping")
		return nil
	}
	if rec.Expired(d.now()) {
		d.expire(rec)
		return nil
	}

	inserted, err := d.deliveries.InsertDeliveryRecord(ctx, rec)
	if err != nil {
		return err
	}

	// The user may have come back between hand-off and persistence
	if inserted {
		if conns := d.registry.UserConnections(rec.UserID); len(conns) > 0 {
			if _, err := d.FlushOffline(ctx, conns[0]); err != nil {
				d.log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Late offline flush failed")
			}
		}
	}
	return nil
}

// PersistQueued gives offline delivery jobs one direct write, bypassing the
// queue and its backoff. Used when the in-memory queue is about to go away.
func (d *Distributor) PersistQueued(ctx context.Context, jobs []*queue.Job) (persisted, failed int) {
	for _, job := range jobs {
		rec, ok := job.Payload.(*domain.DeliveryRecord)
		if !ok || job.Type != queue.JobTypeOfflineDelivery {
			continue
		}
		if rec.Expired(d.now()) {
			d.expire(rec)
			continue
		}
		if ctx.Err() != nil {
			failed++
			continue
		}
		if _, err := d.deliveries.InsertDeliveryRecord(ctx, rec); err != nil {
			failed++
			d.log.Warn().Err(err).Str("user_id", rec.UserID).Str("alert_id", rec.AlertID).Msg("Could not persist queued delivery")
			continue
		}
		persisted++
	}
	return persisted, failed
}

// HandleExpiredJob is the worker callback for abandoned jobs
func (d *Distributor) HandleExpiredJob(job *queue.Job) {
	if rec, ok := job.Payload.(*domain.DeliveryRecord); ok {
		d.expire(rec)
	}
}

func (d *Distributor) expire(rec *domain.DeliveryRecord) {
	d.metrics.Inc(metrics.DeliveryExpired)
	d.events.Emit(moduleName, &events.DeliveryExpiredData{UserID: rec.UserID, AlertID: rec.AlertID})
	d.log.Debug().Str("user_id", rec.UserID).Str("alert_id", rec.AlertID).Msg("Offline delivery expired, dropped")
}

// FlushOffline sends every pending record for the connection's user in one
// batch and marks them delivered. Serialized per user.
func (d *Distributor) FlushOffline(ctx context.Context, c *Connection) (int, error) {
	unlock := d.userLocks.Lock(c.UserID)
	defer unlock()

	recs, err := d.deliveries.GetUndeliveredRecords(ctx, c.UserID, d.now())
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(recs))
	envelopes := make([]AlertEnvelope, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
		env, err := DecodeEnvelope(rec.Payload)
		if err != nil || env.Data == nil {
			d.log.Error().Err(err).Str("record_id", rec.ID).Msg("Unreadable delivery payload, discarding")
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := c.SendBatch(ctx, envelopes); err != nil {
		return 0, fmt.Errorf("failed to flush offline deliveries: %w", err)
	}
	if err := d.deliveries.MarkDelivered(ctx, ids, d.now()); err != nil {
		return 0, err
	}

	d.metrics.Counter(metrics.DeliveriesFlushed).Add(int64(len(envelopes)))
	d.log.Info().Str("user_id", c.UserID).Int("count", len(envelopes)).Msg("Offline deliveries flushed")
	return len(envelopes), nil
}

// RepointDeliveries moves pending offline deliveries of a merged duplicate
// onto the primary. The payload is re-encoded so a reconnecting user
// receives the primary alert rather than the resolved duplicate.
func (d *Distributor) RepointDeliveries(ctx context.Context, fromAlertID string, primary *domain.DivergenceAlert) (int64, error) {
	payload, err := EncodeEnvelope(NewAlertEnvelope(primary, ActionInsert, d.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to encode alert %s: %w", primary.ID, err)
	}
	moved, err := d.deliveries.RepointAlert(ctx, fromAlertID, primary.ID, payload, primary.Severity)
	if err != nil {
		return moved, err
	}
	if moved > 0 {
		d.log.Debug().Str("from_alert_id", fromAlertID).Str("alert_id", primary.ID).Int64("records", moved).Msg("Offline deliveries repointed")
	}
	return moved, nil
}

// Shutdown closes every live connection
func (d *Distributor) Shutdown(ctx context.Context) {
	for _, c := range d.registry.All() {
		c.Close("server shutting down")
		select {
		case <-c.Stopped():
		case <-ctx.Done():
			return
		}
	}
}

func (d *Distributor) notifyOperator(alert *domain.DivergenceAlert) {
	if d.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NotifyTimeout)
		defer cancel()
		if err := d.notifier.NotifyAlert(ctx, alert); err != nil {
			d.metrics.Inc(metrics.OperatorNotifyErrors)
			d.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("Operator notification failed")
		}
	}()
}

func presenceKey(userID string) string {
	return cache.Key("presence", userID)
}

func (d *Distributor) touchPresence(ctx context.Context, userID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, presenceKey(userID), d.registry.IsOnline(userID), 2*d.cfg.Connection.HeartbeatTimeout); err != nil {
		d.log.Debug().Err(err).Str("user_id", userID).Msg("Presence update failed")
	}
}

// IsOnline consults the cache presence key, falling back to the local registry
func (d *Distributor) IsOnline(ctx context.Context, userID string) bool {
	if d.registry.IsOnline(userID) {
		return true
	}
	if d.cache == nil {
		return false
	}
	var online bool
	ok, err := d.cache.Get(ctx, presenceKey(userID), &online)
	return err == nil && ok && online
}

// hooks

func (d *Distributor) updateWatchlist(ctx context.Context, c *Connection, tickers []string) ([]string, error) {
	normalized := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = domain.NormalizeTicker(t)
		if err := domain.ValidateTicker(t); err != nil {
			return nil, err
		}
		normalized = append(normalized, t)
	}
	normalized = utils.UniqueStrings(normalized)

	if err := d.subs.ReplaceUserTickers(ctx, c.UserID, normalized); err != nil {
		if domain.IsValidationError(err) {
			return nil, err
		}
		d.log.Error().Err(err).Str("user_id", c.UserID).Msg("Failed to persist watch-list")
		return nil, errors.New("watch-list could not be saved")
	}

	for _, conn := range d.registry.UserConnections(c.UserID) {
		d.registry.SetWatchlist(conn, normalized)
	}
	return normalized, nil
}

func (d *Distributor) undelivered(c *Connection, alerts []*domain.DivergenceAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Connection.SendTimeout)
	defer cancel()
	for _, a := range alerts {
		if err := d.queueOffline(ctx, c.UserID, a); err != nil {
			d.log.Warn().Err(err).Str("user_id", c.UserID).Str("alert_id", a.ID).Msg("Could not requeue undelivered alert")
		}
	}
}

func (d *Distributor) heartbeat(c *Connection) {
	d.touchPresence(context.Background(), c.UserID)
}

func (d *Distributor) closed(c *Connection) {
	d.registry.Remove(c)
	if !d.registry.IsOnline(c.UserID) && d.cache != nil {
		if err := d.cache.Delete(context.Background(), presenceKey(c.UserID)); err != nil {
			d.log.Debug().Err(err).Str("user_id", c.UserID).Msg("Presence clear failed")
		}
	}
	d.metrics.Inc(metrics.ConnectionsClosed)
	d.events.Emit(moduleName, &events.ClientData{UserID: c.UserID, Connected: false})
}
