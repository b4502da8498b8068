package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is an in-memory priority queue. Higher priority first, then
// earliest AvailableAt, then insertion order.
type Manager struct {
	jobs   []*Job
	notify chan struct{}
	now    func() time.Time
	seq    uint64
	mu     sync.Mutex
}

// NewManager creates an empty queue
func NewManager() *Manager {
	return &Manager{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Enqueue adds a job that is available immediately
func (m *Manager) Enqueue(jobType JobType, payload interface{}, opts EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}

	now := m.now()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Priority:    opts.Priority,
		Payload:     payload,
		CreatedAt:   now,
		AvailableAt: now,
	}
	if opts.TTL > 0 {
		job.ExpiresAt = now.Add(opts.TTL)
	}

	m.push(job)
	return job, nil
}

// Requeue puts a job back, available again at availableAt
func (m *Manager) Requeue(job *Job, availableAt time.Time) {
	job.AvailableAt = availableAt
	m.push(job)
}

func (m *Manager) push(job *Job) {
	m.mu.Lock()
	m.seq++
	job.seq = m.seq
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the best job available at now, or nil
func (m *Manager) Dequeue(now time.Time) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	for i, j := range m.jobs {
		if j.AvailableAt.After(now) {
			continue
		}
		if best == -1 || before(j, m.jobs[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	job := m.jobs[best]
	m.jobs = append(m.jobs[:best], m.jobs[best+1:]...)
	return job
}

// Drain removes and returns every queued job, including those waiting out a
// retry backoff, best first
func (m *Manager) Drain() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := m.jobs
	m.jobs = nil
	sort.SliceStable(jobs, func(i, j int) bool { return before(jobs[i], jobs[j]) })
	return jobs
}

func before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return a.seq < b.seq
}

// Size returns the number of queued jobs
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Notify fires whenever a job is pushed
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}
