// Package metrics keeps process counters. They are read in-process by the
// status endpoint and scraped by Prometheus at /metrics.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickerpulse"

// Counter names shared across modules
const (
	SpikesDetected       = "spikes_detected"
	TicksSkipped         = "ticks_skipped"
	AlertsCreated        = "alerts_created"
	AlertsDeduplicated   = "alerts_deduplicated"
	AlertsBundled        = "alerts_bundled"
	CatalystDegraded     = "catalyst_degraded"
	NarrativeFallbacks   = "narrative_fallbacks"
	DedupCacheFailures   = "dedup_cache_failures"
	DeliveriesLive       = "deliveries_live"
	DeliveriesQueued     = "deliveries_queued"
	DeliveriesFlushed    = "deliveries_flushed"
	DeliveryFailures     = "delivery_failures"
	DeliveryExpired      = "delivery_expired"
	QueueRetries         = "queue_retries"
	JobsExpired          = "jobs_expired"
	ConnectionsOpened    = "connections_opened"
	ConnectionsClosed    = "connections_closed"
	HeartbeatTimeouts    = "heartbeat_timeouts"
	ClientRateLimited    = "client_rate_limited"
	MaintenanceRuns      = "maintenance_runs"
	ScoreCacheHits       = "score_cache_hits"
	ScoreCacheMisses     = "score_cache_misses"
	OperatorNotifyErrors = "operator_notify_errors"
)

// Counter is a monotonically increasing value
type Counter struct {
	prom prometheus.Counter
	v    atomic.Int64
}

// Inc adds one
func (c *Counter) Inc() {
	c.Add(1)
}

// Add adds n
func (c *Counter) Add(n int64) {
	c.v.Add(n)
	if c.prom != nil {
		c.prom.Add(float64(n))
	}
}

// Value returns the current count
func (c *Counter) Value() int64 {
	return c.v.Load()
}

// Registry hands out named counters. A nil Registry is valid and discards everything.
type Registry struct {
	counters map[string]*Counter
	prom     *prometheus.Registry
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry with the Go runtime and process
// collectors attached
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		counters: make(map[string]*Counter),
		prom:     prom,
	}
}

// Counter returns the named counter, creating it on first use
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return &Counter{}
	}

	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = &Counter{prom: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name + "_total",
			Help:      "Count of " + name + " since process start",
		})}
		if err := r.prom.Register(c.prom); err != nil {
			// Keep counting in-process even if the exporter rejects the name
			c.prom = nil
		}
		r.counters[name] = c
	}
	return c
}

// Inc increments the named counter
func (r *Registry) Inc(name string) {
	r.Counter(name).Inc()
}

// Snapshot copies every counter value
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if r == nil {
		return out
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	return out
}

// Names returns the registered counter names in order
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handler serves the Prometheus text exposition of this registry
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
