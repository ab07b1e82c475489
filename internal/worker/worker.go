package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// minIdleWait keeps a zero poll interval from spinning on an empty queue
const minIdleWait = 10 * time.Millisecond

// Config holds worker configuration
type Config struct {
	ID           int
	Name         string
	Queue        string
	PollInterval time.Duration
	Client       queue.Client
	Registry     *jobs.Registry
	Retry        RetryPolicy
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Worker pulls jobs from a single queue and performs them one at a time.
// It is owned by a Pool, which starts it, stops it and replaces it on crash.
type Worker struct {
	id           int
	name         string
	queue        string
	pollInterval time.Duration
	client       queue.Client
	registry     *jobs.Registry
	retry        RetryPolicy
	metrics      *metrics.Metrics
	logger       *slog.Logger

	state atomic.Int32

	// stopChan asks the loop to finish after the current job;
	// pollCtx unblocks a waiting Dequeue; jobCtx is only cancelled on abandon
	stopChan   chan struct{}
	stopOnce   sync.Once
	pollCtx    context.Context
	pollCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	done       chan struct{}
	crash      *domain.WorkerCrash

	// mu guards current and currentSince; whoever clears current settles the job
	mu           sync.Mutex
	current      *domain.Job
	currentSince time.Time

	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64
}

// Info is a point-in-time view of a worker
type Info struct {
	ID           int                `json:"id"`
	Name         string             `json:"name"`
	Queue        string             `json:"queue"`
	State        domain.WorkerState `json:"state"`
	CurrentJob   *domain.Job        `json:"current_job,omitempty"`
	RunningSince *time.Time         `json:"running_since,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	Processed    int64              `json:"processed"`
	Failed       int64              `json:"failed"`
}

// NewWorker creates a new worker instance in the Idle state
func NewWorker(cfg *Config) *Worker {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("worker-%d", cfg.ID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		id:           cfg.ID,
		name:         name,
		queue:        cfg.Queue,
		pollInterval: cfg.PollInterval,
		client:       cfg.Client,
		registry:     cfg.Registry,
		retry:        cfg.Retry,
		metrics:      cfg.Metrics,
		logger:       logger.With(slog.String("worker", name), slog.String("queue", cfg.Queue)),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}
	w.pollCtx, w.pollCancel = context.WithCancel(context.Background())
	w.jobCtx, w.jobCancel = context.WithCancel(context.Background())
	w.state.Store(int32(domain.WorkerIdle))

	return w
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) Name() string { return w.name }

func (w *Worker) Queue() string { return w.queue }

// Processed returns the number of jobs performed successfully
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Done is closed once the run loop has exited
func (w *Worker) Done() <-chan struct{} { return w.done }

// State returns the current lifecycle state
func (w *Worker) State() domain.WorkerState {
	return domain.WorkerState(w.state.Load())
}

// Crash returns the failure that ended the loop, or nil if the worker
// exited because it was asked to. Only meaningful after Done is closed.
func (w *Worker) Crash() *domain.WorkerCrash {
	return w.crash
}

// Stop asks the worker to finish its current job and exit. It does not wait.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		for {
			s := w.state.Load()
			if domain.WorkerState(s) == domain.WorkerDead {
				break
			}
			if w.state.CompareAndSwap(s, int32(domain.WorkerStopping)) {
				break
			}
		}
		close(w.stopChan)
		w.pollCancel()
	})
}

// stopRequested reports whether Stop has been called
func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// CurrentJob returns a copy of the in-flight job, if any
func (w *Worker) CurrentJob() *domain.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// Info returns a snapshot of the worker
func (w *Worker) Info() Info {
	w.mu.Lock()
	job := w.current.Clone()
	since := w.currentSince
	w.mu.Unlock()

	info := Info{
		ID:         w.id,
		Name:       w.name,
		Queue:      w.queue,
		State:      w.State(),
		CurrentJob: job,
		StartedAt:  w.startedAt,
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
	}
	if job != nil {
		info.RunningSince = &since
	}
	return info
}

// Abandon takes the in-flight job away from the worker, cancels its context
// and settles it as a failed attempt. Used on forced shutdown and after a
// crash. Returns the abandoned job, or nil if the worker held none.
func (w *Worker) Abandon(ctx context.Context) *domain.Job {
	w.Stop()

	w.mu.Lock()
	job := w.current
	w.current = nil
	w.mu.Unlock()

	w.jobCancel()

	if job == nil {
		return nil
	}

	// the loop may still be reading job; settle a private copy
	abandoned := job.Clone()
	w.settle(ctx, abandoned, domain.ErrJobAbandoned)
	return abandoned
}
