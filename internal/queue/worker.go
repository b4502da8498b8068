package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Favour-chuks/tickerpulse-ai-sub001/internal/metrics"
)

// Backoff constants for failed jobs
const (
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	// DefaultMaxAttempts bounds retries of jobs that carry no TTL
	DefaultMaxAttempts = 10
)

// Worker drains the queue, retrying failures with bounded exponential
// backoff and abandoning jobs once they pass their ExpiresAt.
type Worker struct {
	manager     *Manager
	handlers    map[JobType]Handler
	onExpired   func(job *Job)
	metrics     *metrics.Registry
	now         func() time.Time
	stop        chan struct{}
	log         zerolog.Logger
	interval    time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	mu          sync.Mutex
	wg          sync.WaitGroup
	started     bool
}

// NewWorker creates a worker polling the manager every interval
func NewWorker(manager *Manager, interval time.Duration, reg *metrics.Registry, log zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		manager:     manager,
		handlers:    make(map[JobType]Handler),
		metrics:     reg,
		now:         time.Now,
		log:         log.With().Str("component", "queue_worker").Logger(),
		interval:    interval,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Register binds a handler to a job type
func (w *Worker) Register(jobType JobType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// OnExpired sets a callback for abandoned jobs
func (w *Worker) OnExpired(fn func(job *Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExpired = fn
}

// SetBackoff overrides the retry delays
func (w *Worker) SetBackoff(base, max time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.baseBackoff = base
	w.maxBackoff = max
}

// Backoff returns the delay before retry number attempt (1-based)
func (w *Worker) Backoff(attempt int) time.Duration {
	w.mu.Lock()
	base, max := w.baseBackoff, w.maxBackoff
	w.mu.Unlock()

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Start runs the worker loop until Stop or ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			case <-w.manager.Notify():
			}
			w.ProcessAvailable(ctx)
		}
	}()

	w.log.Info().Dur("interval", w.interval).Msg("Queue worker started")
}

// Stop halts the loop and waits for the in-flight job
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stop)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Msg("Queue worker stopped")
}

// ProcessAvailable runs every job available now and returns how many ran
func (w *Worker) ProcessAvailable(ctx context.Context) int {
	processed := 0
	for {
		if ctx.Err() != nil {
			return processed
		}
		job := w.manager.Dequeue(w.now())
		if job == nil {
			return processed
		}
		w.process(ctx, job)
		processed++
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	now := w.now()
	if job.Expired(now) {
		w.expire(job)
		return
	}

	w.mu.Lock()
	handler, ok := w.handlers[job.Type]
	w.mu.Unlock()
	if !ok {
		w.log.Warn().Str("job_type", string(job.Type)).Str("job_id", job.ID).Msg("No handler for job, dropping")
		return
	}

	err := handler(ctx, job)
	if err == nil {
		return
	}

	job.Attempts++
	next := now.Add(w.Backoff(job.Attempts))

	if !job.ExpiresAt.IsZero() && !next.Before(job.ExpiresAt) {
		w.log.Warn().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Job would retry past expiry, abandoning")
		w.expire(job)
		return
	}
	if job.ExpiresAt.IsZero() && job.Attempts >= w.maxAttempts {
		w.log.Error().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Job exhausted retries, dropping")
		return
	}

	w.metrics.Inc(metrics.QueueRetries)
	w.log.Debug().
		Err(err).
		Str("job_type", string(job.Type)).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Time("retry_at", next).
		Msg("Job failed, scheduled retry")
	w.manager.Requeue(job, next)
}

func (w *Worker) expire(job *Job) {
	w.metrics.Inc(metrics.JobsExpired)

	w.mu.Lock()
	fn := w.onExpired
	w.mu.Unlock()
	if fn != nil {
		fn(job)
	}
}
