package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

type pending struct {
	job       *domain.Job
	notBefore time.Time
}

// Memory is an in-process queue store. Jobs survive only as long as the
// process; it backs the "memory" backend and the test suites.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][]*pending
	inflight map[string]*domain.Job
	acked    map[string]struct{}
	dead     map[string][]*domain.Job
	closed   bool
	now      func() time.Time

	// wake is closed and replaced whenever a job becomes available
	wake chan struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string][]*pending),
		inflight: make(map[string]*domain.Job),
		acked:    make(map[string]struct{}),
		dead:     make(map[string][]*domain.Job),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue appends a copy of job to its queue
func (m *Memory) Enqueue(_ context.Context, job *domain.Job) error {
	if job == nil || job.Queue == "" {
		return fmt.Errorf("enqueue: job and queue name are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("enqueue: store closed")
	}

	m.push(job.Clone(), time.Time{})
	return nil
}

// push must be called with mu held
func (m *Memory) push(job *domain.Job, notBefore time.Time) {
	m.queues[job.Queue] = append(m.queues[job.Queue], &pending{job: job, notBefore: notBefore})
	close(m.wake)
	m.wake = make(chan struct{})
}

// Dequeue pops the oldest ready job, blocking up to timeout
func (m *Memory) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*domain.Job, error) {
	deadline := m.now().Add(timeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, fmt.Errorf("dequeue: store closed")
		}

		job, nextReady := m.popReady(queue)
		if job != nil {
			m.inflight[job.ID] = job
			m.mu.Unlock()
			return job.Clone(), nil
		}
		wake := m.wake
		m.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if !nextReady.IsZero() {
			if untilReady := nextReady.Sub(m.now()); untilReady < wait {
				wait = untilReady
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popReady removes the first job whose delay has elapsed. It also reports
// the earliest time a delayed job becomes ready. Must be called with mu held.
func (m *Memory) popReady(queue string) (*domain.Job, time.Time) {
	now := m.now()
	entries := m.queues[queue]
	var nextReady time.Time

	for i, e := range entries {
		if e.notBefore.After(now) {
			if nextReady.IsZero() || e.notBefore.Before(nextReady) {
				nextReady = e.notBefore
			}
			continue
		}
		m.queues[queue] = append(entries[:i:i], entries[i+1:]...)
		return e.job, time.Time{}
	}

	return nil, nextReady
}

// Ack settles a claimed job. Acking an already acked job is a no-op.
func (m *Memory) Ack(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.acked[job.ID]; ok {
		return nil
	}
	if _, ok := m.inflight[job.ID]; !ok {
		return fmt.Errorf("ack %s: %w", job.ID, domain.ErrJobNotInFlight)
	}

	delete(m.inflight, job.ID)
	m.acked[job.ID] = struct{}{}
	return nil
}

// Requeue puts a claimed job back, invisible to Dequeue until delay elapses
func (m *Memory) Requeue(_ context.Context, job *domain.Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[job.ID]; !ok {
		return fmt.Errorf("requeue %s: %w", job.ID, domain.ErrJobNotInFlight)
	}
	delete(m.inflight, job.ID)

	var notBefore time.Time
	if delay > 0 {
		notBefore = m.now().Add(delay)
	}
	m.push(job.Clone(), notBefore)
	return nil
}

// DeadLetter moves a claimed job to the dead list of its queue
func (m *Memory) DeadLetter(_ context.Context, job *domain.Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[job.ID]; !ok {
		return fmt.Errorf("dead-letter %s: %w", job.ID, domain.ErrJobNotInFlight)
	}
	delete(m.inflight, job.ID)

	dead := job.Clone()
	dead.LastError = reason
	m.dead[job.Queue] = append(m.dead[job.Queue], dead)
	return nil
}

// QueueSizes reports pending (not in-flight) jobs per queue
func (m *Memory) QueueSizes(_ context.Context, queues []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizes := make(map[string]int, len(queues))
	for _, q := range queues {
		sizes[q] = len(m.queues[q])
	}
	return sizes, nil
}

// Len returns the number of pending jobs on queue
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// InFlight returns the number of claimed, unsettled jobs
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Dead returns copies of the dead-lettered jobs of queue
func (m *Memory) Dead(queue string) []*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Job, 0, len(m.dead[queue]))
	for _, j := range m.dead[queue] {
		out = append(out, j.Clone())
	}
	return out
}

// Pending returns copies of the jobs waiting on queue, in order
func (m *Memory) Pending(queue string) []*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Job, 0, len(m.queues[queue]))
	for _, e := range m.queues[queue] {
		out = append(out, e.job.Clone())
	}
	return out
}

// Close rejects further operations and wakes blocked consumers
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.wake)
		m.wake = make(chan struct{})
	}
	return nil
}
