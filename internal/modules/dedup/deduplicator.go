// Package dedup suppresses repeated alerts and groups related ones.
//
// Deduplication is scoped to (ticker, alert type): a candidate is a duplicate
// of a recent active alert of the same type unless severity or magnitude moved
// significantly. Bundling is cross-type: alerts of different types on the same
// ticker within the window are grouped under the newest one.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/cache"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/domain"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/events"
	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

const (
	// DefaultWindow is how far back an alert can absorb duplicates
	DefaultWindow = 5 * time.Minute
	// DefaultSignificance is the relative change that makes a repeat a new alert
	DefaultSignificance = 0.30

	moduleName = "dedup"
)

// signatureEntry is the cached verdict for a signature. An empty AlertID
// records that no duplicate existed.
type signatureEntry struct {
	CreatedAt time.Time `msgpack:"created_at"`
	AlertID   string    `msgpack:"alert_id"`
}

// AlertStore is the subset of the alerts repository the deduplicator needs
type AlertStore interface {
	Get(ctx context.Context, id string) (*domain.DivergenceAlert, error)
	GetActiveAlerts(ctx context.Context, ticker string, alertType domain.AlertType, since time.Time) ([]*domain.DivergenceAlert, error)
	GetActiveForTicker(ctx context.Context, ticker string, since time.Time) ([]*domain.DivergenceAlert, error)
	GetActiveSince(ctx context.Context, since time.Time) ([]*domain.DivergenceAlert, error)
	UpdateStatus(ctx context.Context, id string, next domain.AlertStatus, at time.Time) error
	SetPrimary(ctx context.Context, id, primaryID string) error
	AddBundleMembers(ctx context.Context, primaryID string, memberIDs []string, at time.Time) error
}

// DeliveryRepointer moves pending deliveries of a duplicate onto its primary
type DeliveryRepointer interface {
	RepointDeliveries(ctx context.Context, fromAlertID string, primary *domain.DivergenceAlert) (int64, error)
}

// Deduplicator checks, registers, bundles and merges alerts
type Deduplicator struct {
	alerts       AlertStore
	deliveries   DeliveryRepointer
	cache        cache.Cache
	events       *events.Manager
	metrics      *metrics.Registry
	now          func() time.Time
	log          zerolog.Logger
	window       time.Duration
	significance float64
}

// NewDeduplicator creates a deduplicator
func NewDeduplicator(
	alerts AlertStore,
	deliveries DeliveryRepointer,
	c cache.Cache,
	window time.Duration,
	significance float64,
	em *events.Manager,
	reg *metrics.Registry,
	log zerolog.Logger,
) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	if significance <= 0 {
		significance = DefaultSignificance
	}
	return &Deduplicator{
		alerts:       alerts,
		deliveries:   deliveries,
		cache:        c,
		events:       em,
		metrics:      reg,
		now:          time.Now,
		log:          log.With().Str("component", "deduplicator").Logger(),
		window:       window,
		significance: significance,
	}
}

// Window returns the dedup window
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// Signature fingerprints ticker, type and magnitude rounded to the nearest 0.5
func Signature(ticker string, alertType domain.AlertType, magnitude float64) string {
	rounded := math.Round(magnitude*2) / 2
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.1f", ticker, alertType, rounded)))
	return hex.EncodeToString(sum[:])
}

func signatureKey(a *domain.DivergenceAlert) string {
	return cache.Key("dedup", Signature(a.Ticker, a.AlertType, a.Magnitude))
}

// CheckDuplicate returns the id of an existing alert the candidate duplicates,
// or "" when it is new. Cache failures fall through to the store. A store
// failure returns "" with an ErrDataUnavailable error so callers can fail open.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, candidate *domain.DivergenceAlert) (string, error) {
	key := signatureKey(candidate)
	at := candidate.CreatedAt
	if at.IsZero() {
		at = d.now()
	}

	var cached signatureEntry
	ok, err := d.cache.Get(ctx, key, &cached)
	switch {
	case err != nil:
		d.metrics.Inc(metrics.DedupCacheFailures)
		d.log.Warn().Err(err).Str("ticker", candidate.Ticker).Msg("Dedup cache read failed, checking store")
	case ok && cached.AlertID == "":
		return "", nil
	case ok && at.Sub(cached.CreatedAt) <= d.window:
		return cached.AlertID, nil
	}

	recent, err := d.alerts.GetActiveAlerts(ctx, candidate.Ticker, candidate.AlertType, at.Add(-d.window))
	if err != nil {
		return "", domain.DataUnavailable("dedup scan", err)
	}

	var existing *domain.DivergenceAlert
	for _, a := range recent {
		if a.ID == candidate.ID {
			continue
		}
		if !d.SignificantlyDifferent(a, candidate) {
			existing = a
			break
		}
	}

	if existing == nil {
		d.remember(ctx, key, signatureEntry{CreatedAt: at}, d.window)
		return "", nil
	}

	// A match only absorbs repeats until its own window closes
	d.remember(ctx, key, signatureEntry{AlertID: existing.ID, CreatedAt: existing.CreatedAt},
		existing.CreatedAt.Add(d.window).Sub(at))

	d.metrics.Inc(metrics.AlertsDeduplicated)
	d.events.Emit(moduleName, &events.AlertDeduplicatedData{
		ExistingAlertID: existing.ID,
		Ticker:          candidate.Ticker,
		AlertType:       string(candidate.AlertType),
	})
	return existing.ID, nil
}

func (d *Deduplicator) remember(ctx context.Context, key string, entry signatureEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := d.cache.Set(ctx, key, entry, ttl); err != nil {
		d.metrics.Inc(metrics.DedupCacheFailures)
		d.log.Warn().Err(err).Str("alert_id", entry.AlertID).Msg("Dedup cache write failed")
	}
}

// SignificantlyDifferent reports whether candidate moved enough from existing,
// in severity rank or magnitude, to stand as its own alert
func (d *Deduplicator) SignificantlyDifferent(existing, candidate *domain.DivergenceAlert) bool {
	if relativeChange(float64(existing.Severity.Rank()), float64(candidate.Severity.Rank())) > d.significance {
		return true
	}
	return relativeChange(existing.Magnitude, candidate.Magnitude) > d.significance
}

func relativeChange(from, to float64) float64 {
	if from == 0 {
		if to == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(to-from) / math.Abs(from)
}

// Register maps the alert's signature to its id so later repeats hit the cache.
// Only called after the alert is durably stored.
func (d *Deduplicator) Register(ctx context.Context, alert *domain.DivergenceAlert) {
	created := alert.CreatedAt
	if created.IsZero() {
		created = d.now()
	}
	d.remember(ctx, signatureKey(alert), signatureEntry{AlertID: alert.ID, CreatedAt: created},
		created.Add(d.window).Sub(d.now()))
}

// FindRelated returns ids of other active alerts on the same ticker within the window
func (d *Deduplicator) FindRelated(ctx context.Context, alert *domain.DivergenceAlert) ([]string, error) {
	related, err := d.alerts.GetActiveForTicker(ctx, alert.Ticker, alert.CreatedAt.Add(-d.window))
	if err != nil {
		return nil, domain.DataUnavailable("find related alerts", err)
	}
	var ids []string
	for _, a := range related {
		if a.ID != alert.ID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// Bundle groups related alerts under a primary. Members that already left
// the active state are skipped.
func (d *Deduplicator) Bundle(ctx context.Context, primaryID string, relatedIDs []string) ([]string, error) {
	now := d.now()
	var bundled []string
	for _, id := range relatedIDs {
		if id == primaryID {
			continue
		}
		if err := d.alerts.UpdateStatus(ctx, id, domain.AlertStatusBundled, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				d.log.Debug().Err(err).Str("alert_id", id).Msg("Skipping bundle member")
				continue
			}
			return bundled, domain.DataUnavailable("bundle alert", err)
		}
		if err := d.alerts.SetPrimary(ctx, id, primaryID); err != nil {
			return bundled, domain.DataUnavailable("bundle alert", err)
		}
		bundled = append(bundled, id)
	}
	if len(bundled) == 0 {
		return nil, nil
	}

	if err := d.alerts.AddBundleMembers(ctx, primaryID, bundled, now); err != nil {
		return bundled, domain.DataUnavailable("record bundle", err)
	}

	d.metrics.Counter(metrics.AlertsBundled).Add(int64(len(bundled)))
	d.events.Emit(moduleName, &events.AlertBundledData{PrimaryID: primaryID, MemberIDs: bundled})
	d.log.Info().Str("primary_id", primaryID).Strs("members", bundled).Msg("Alerts bundled")
	return bundled, nil
}

// Merge folds duplicates into a primary: pending deliveries move to the
// primary and the duplicates are resolved
func (d *Deduplicator) Merge(ctx context.Context, primaryID string, duplicateIDs []string) error {
	var primary *domain.DivergenceAlert
	now := d.now()
	var merged []string
	for _, id := range duplicateIDs {
		if id == primaryID {
			continue
		}
		if primary == nil {
			p, err := d.alerts.Get(ctx, primaryID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("merge into %s: %w", primaryID, err)
				}
				return domain.DataUnavailable("load merge primary", err)
			}
			primary = p
		}
		if _, err := d.deliveries.RepointDeliveries(ctx, id, primary); err != nil {
			return err
		}
		if err := d.alerts.UpdateStatus(ctx, id, domain.AlertStatusResolved, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				d.log.Debug().Err(err).Str("alert_id", id).Msg("Duplicate already closed")
				continue
			}
			return domain.DataUnavailable("merge alert", err)
		}
		if err := d.alerts.SetPrimary(ctx, id, primaryID); err != nil {
			return domain.DataUnavailable("merge alert", err)
		}
		merged = append(merged, id)
	}
	if len(merged) == 0 {
		return nil
	}

	d.events.Emit(moduleName, &events.AlertsMergedData{PrimaryID: primaryID, DuplicateIDs: merged})
	d.log.Info().Str("primary_id", primaryID).Strs("duplicates", merged).Msg("Alerts merged")
	return nil
}

// Reconcile merges duplicates that slipped past the online check, for example
// while the cache was down. Alerts are grouped by (ticker, type); each alert
// that does not differ significantly from an earlier kept alert within the
// window is merged into it. Returns the number of merged alerts.
func (d *Deduplicator) Reconcile(ctx context.Context, since time.Time) (int, error) {
	active, err := d.alerts.GetActiveSince(ctx, since)
	if err != nil {
		return 0, domain.DataUnavailable("reconcile scan", err)
	}

	type group struct{ kept []*domain.DivergenceAlert }
	groups := make(map[string]*group)
	merges := make(map[string][]string)
	var order []string

	for _, a := range active {
		gk := a.Ticker + "|" + string(a.AlertType)
		g, ok := groups[gk]
		if !ok {
			g = &group{}
			groups[gk] = g
		}

		primary := ""
		for _, k := range g.kept {
			if a.CreatedAt.Sub(k.CreatedAt) <= d.window && !d.SignificantlyDifferent(k, a) {
				primary = k.ID
				break
			}
		}
		if primary == "" {
			g.kept = append(g.kept, a)
			continue
		}
		if _, seen := merges[primary]; !seen {
			order = append(order, primary)
		}
		merges[primary] = append(merges[primary], a.ID)
	}

	total := 0
	for _, primary := range order {
		if err := d.Merge(ctx, primary, merges[primary]); err != nil {
			return total, err
		}
		total += len(merges[primary])
	}
	if total > 0 {
		d.log.Info().Int("merged", total).Msg("Dedup reconciliation merged duplicates")
	}
	return total, nil
}
