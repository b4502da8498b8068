package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduledJob is a periodic maintenance task
type ScheduledJob interface {
	Run() error
	Name() string
}

// Scheduler runs maintenance jobs on cron expressions
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	entries map[string]cron.EntryID
	mu      sync.Mutex
	started bool
}

// NewScheduler creates a new cron-backed scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		log:     zerolog.Nop(),
		entries: make(map[string]cron.EntryID),
	}
}

// SetLogger sets the logger for the scheduler
func (s *Scheduler) SetLogger(log zerolog.Logger) {
	s.log = log.With().Str("component", "time_scheduler").Logger()
}

// AddJob registers a job under a cron spec such as "@every 10m" or "30 0 * * *"
func (s *Scheduler) AddJob(spec string, job ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name()]; exists {
		return fmt.Errorf("job %s already scheduled", job.Name())
	}

	id, err := s.cron.AddFunc(spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, job.Name(), err)
	}
	s.entries[job.Name()] = id

	s.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("Job scheduled")
	return nil
}

// RunNow executes a registered job immediately on the caller's goroutine
func (s *Scheduler) RunNow(job ScheduledJob) {
	s.run(job)
}

func (s *Scheduler) run(job ScheduledJob) {
	start := time.Now()
	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("Scheduled job failed")
		return
	}
	s.log.Debug().Str("job", job.Name()).Dur("duration", time.Since(start)).Msg("Scheduled job completed")
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warn().Msg("Time scheduler already started, ignoring")
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.entries)).Msg("Time scheduler started")
}

// Stop stops the scheduler and waits for running jobs up to ctx's deadline
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Time scheduler stop timed out with jobs still running")
	}
	s.log.Info().Msg("Time scheduler stopped")
}

// Scheduled lists the registered job names
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}
