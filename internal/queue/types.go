// Package queue provides the in-process job queue used for offline delivery
// hand-off, with priority ordering, per-job TTL and bounded retry backoff.
package queue

import (
	"context"
	"time"
)

// JobType represents the type of job
type JobType string

const (
	// JobTypeOfflineDelivery persists a DeliveryRecord for a user without a live connection
	JobTypeOfflineDelivery JobType = "offline_delivery"
)

// Priority represents job priority
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Job represents a queued job
type Job struct {
	CreatedAt   time.Time
	AvailableAt time.Time
	// ExpiresAt is zero for jobs that never expire
	ExpiresAt time.Time
	Payload   interface{}
	ID        string
	Type      JobType
	Priority  Priority
	Attempts  int
	seq       uint64
}

// Expired reports whether the job is past its TTL at now
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// EnqueueOptions controls ordering and lifetime of a job
type EnqueueOptions struct {
	Priority Priority
	// TTL of zero means the job never expires
	TTL time.Duration
}

// Handler processes one job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Queue interface for job queue operations
type Queue interface {
	Enqueue(jobType JobType, payload interface{}, opts EnqueueOptions) (*Job, error)
	Dequeue(now time.Time) *Job
	Size() int
}
