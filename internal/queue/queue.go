// Package queue defines the contract between workers and the external queue
// store, plus an in-process implementation used for development and tests.
//
// Backends guarantee that a dequeued job is handed to at most one worker at a
// time, and that Ack is idempotent. A Dequeue that times out returns
// (nil, nil); an empty queue is not an error.
package queue

import (
	"context"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// Client abstracts enqueue/dequeue/ack against a queue store
type Client interface {
	// Enqueue appends job to job.Queue
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue claims the next ready job on queue, waiting up to timeout.
	// Returns (nil, nil) when nothing arrived in time.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*domain.Job, error)

	// Ack marks a claimed job as done
	Ack(ctx context.Context, job *domain.Job) error

	// Requeue returns a claimed job to its queue, ready after delay
	Requeue(ctx context.Context, job *domain.Job, delay time.Duration) error

	// DeadLetter sets a claimed job aside for manual inspection
	DeadLetter(ctx context.Context, job *domain.Job, reason string) error

	// Close releases the store connection
	Close() error
}

// Inspector is implemented by stores that can report pending queue depth
type Inspector interface {
	QueueSizes(ctx context.Context, queues []string) (map[string]int, error)
}

// Pinger is implemented by stores with a remote connection worth checking
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lister is implemented by stores that keep settled jobs queryable
type Lister interface {
	ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error)
}

// JobFilter narrows a job listing; Cursor pages backwards through enqueued_at
type JobFilter struct {
	Queue    string
	Status   string
	Class    string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of a page
type JobCursor struct {
	EnqueuedAt time.Time
	JobID      string
}

// JobRecord is a job together with its store-side status
type JobRecord struct {
	domain.Job
	Status    string    `json:"status" db:"status"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
