package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	"golang.org/x/time/rate"
)

// abandonSettleTimeout bounds the requeue of jobs taken from stuck workers
const abandonSettleTimeout = 5 * time.Second

// idleExitTimeout bounds the wait for idle workers on a forced stop
const idleExitTimeout = time.Second

// PoolConfig holds worker pool configuration. Size and Queues are fixed for
// the lifetime of the pool; a reload builds a new pool.
type PoolConfig struct {
	Name         string
	Size         int
	Queues       []string
	PollInterval time.Duration
	Client       queue.Client
	Registry     *jobs.Registry
	Retry        RetryPolicy

	// RestartInitial and RestartMax bound the backoff between consecutive
	// crashes of one slot. RestartRate/RestartBurst cap restarts pool-wide.
	RestartInitial time.Duration
	RestartMax     time.Duration
	RestartRate    float64
	RestartBurst   int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type slot struct {
	worker  *Worker
	crashes int
	backoff func() time.Duration
}

// Pool owns a fixed number of workers and replaces the ones that crash
type Pool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	slots    map[int]*slot
	spawned  bool
	stopping bool

	exits    chan *Worker
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
	restarts atomic.Int64
}

// NewPool validates cfg and returns a pool with no workers yet
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be greater than 0, got %d", cfg.Size)
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("pool needs at least one queue")
	}
	if cfg.Client == nil || cfg.Registry == nil {
		return nil, errors.New("pool needs a queue client and a job registry")
	}

	c := *cfg
	c.Queues = append([]string(nil), cfg.Queues...)
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.RestartRate <= 0 {
		c.RestartRate = 5
	}
	if c.RestartBurst <= 0 {
		c.RestartBurst = 10
	}
	if c.RestartInitial <= 0 {
		c.RestartInitial = 500 * time.Millisecond
	}
	if c.RestartMax < c.RestartInitial {
		c.RestartMax = c.RestartInitial
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.Logger = logger

	return &Pool{
		cfg:     c,
		logger:  logger.With(slog.String("pool", c.Name)),
		limiter: rate.NewLimiter(rate.Limit(c.RestartRate), c.RestartBurst),
		slots:   make(map[int]*slot, c.Size),
		exits:   make(chan *Worker),
		quit:    make(chan struct{}),
	}, nil
}

// Start spawns the workers and runs the monitor in the background
func (p *Pool) Start() error {
	if err := p.Spawn(); err != nil {
		return err
	}
	go p.Monitor()
	return nil
}

// Spawn creates Size workers, worker i bound to Queues[i mod len(Queues)],
// each running on its own goroutine
func (p *Pool) Spawn() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spawned {
		return errors.New("pool already spawned")
	}
	if p.stopping {
		return errors.New("pool is stopping")
	}
	p.spawned = true

	p.logger.Info("Spawning worker pool",
		slog.Int("size", p.cfg.Size),
		slog.Any("queues", p.cfg.Queues),
		slog.Duration("poll_interval", p.cfg.PollInterval),
	)

	for i := 0; i < p.cfg.Size; i++ {
		w := p.newWorker(i, p.cfg.Queues[i%len(p.cfg.Queues)])
		p.slots[i] = &slot{worker: w}
		p.start(w)
	}

	p.logger.Info("Worker pool spawned successfully", slog.Int("worker_count", p.cfg.Size))
	return nil
}

func (p *Pool) newWorker(id int, q string) *Worker {
	return NewWorker(&Config{
		ID:           id,
		Name:         fmt.Sprintf("%s-%d", p.cfg.Name, id),
		Queue:        q,
		PollInterval: p.cfg.PollInterval,
		Client:       p.cfg.Client,
		Registry:     p.cfg.Registry,
		Retry:        p.cfg.Retry,
		Metrics:      p.cfg.Metrics,
		Logger:       p.cfg.Logger,
	})
}

// start must be called with mu held and stopping false
func (p *Pool) start(w *Worker) {
	p.wg.Add(1)
	p.cfg.Metrics.WorkersChanged(1)

	go func() {
		defer p.wg.Done()

		_ = w.Run()
		p.cfg.Metrics.WorkersChanged(-1)

		select {
		case p.exits <- w:
		case <-p.quit:
		}
	}()
}

// Monitor replaces crashed workers until the pool stops. It blocks.
func (p *Pool) Monitor() {
	for {
		select {
		case w := <-p.exits:
			p.handleExit(w)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) handleExit(w *Worker) {
	crash := w.Crash()
	if crash == nil {
		return
	}

	p.mu.Lock()
	s, ok := p.slots[w.ID()]
	if p.stopping || !ok || s.worker != w {
		p.mu.Unlock()
		return
	}

	// a worker that got real work done before dying starts a fresh streak
	if w.Processed() > 0 {
		s.crashes = 0
		s.backoff = nil
	}
	s.crashes++

	var delay time.Duration
	if s.crashes > 1 {
		if s.backoff == nil {
			bo := boff.New(p.cfg.RestartInitial, p.cfg.RestartMax, time.Now().UnixNano())
			s.backoff = bo.Next
		}
		delay = s.backoff()
	}
	delay += p.limiter.Reserve().Delay()
	crashes := s.crashes
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), abandonSettleTimeout)
	if job := w.Abandon(ctx); job != nil {
		p.logger.Warn("Requeued job held by crashed worker",
			slog.String("worker", w.Name()),
			slog.String("job_id", job.ID),
		)
	}
	cancel()

	p.logger.Warn("Restarting crashed worker",
		slog.String("worker", w.Name()),
		slog.String("queue", w.Queue()),
		slog.Int("consecutive_crashes", crashes),
		slog.Duration("delay", delay),
		slog.String("error", crash.Error()),
	)

	if delay <= 0 {
		p.restart(w)
		return
	}
	time.AfterFunc(delay, func() { p.restart(w) })
}

// restart replaces old in its slot with a fresh worker on the same queue
func (p *Pool) restart(old *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[old.ID()]
	if p.stopping || !ok || s.worker != old {
		return
	}

	w := p.newWorker(old.ID(), old.Queue())
	s.worker = w
	p.start(w)

	p.cfg.Metrics.WorkerRestarted(w.Queue())
	p.restarts.Add(1)
	p.logger.Info("Worker restarted",
		slog.String("worker", w.Name()),
		slog.String("queue", w.Queue()),
	)
}

// StopAll moves every worker to Stopping. When graceful, it waits for the
// running jobs to finish until ctx is done. Workers still busy after that
// (or right away when not graceful) have their job context cancelled and
// their jobs requeued as failed attempts; a ShutdownTimeoutError names them.
func (p *Pool) StopAll(ctx context.Context, graceful bool) error {
	started := time.Now()

	p.mu.Lock()
	p.stopping = true
	workers := p.workersLocked()
	p.mu.Unlock()

	p.quitOnce.Do(func() { close(p.quit) })

	p.logger.Info("Stopping worker pool",
		slog.Int("worker_count", len(workers)),
		slog.Bool("graceful", graceful),
	)

	for _, w := range workers {
		w.Stop()
	}

	if graceful {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", slog.Duration("took", time.Since(started)))
			return nil
		case <-ctx.Done():
		}
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonSettleTimeout)
	defer cancel()

	var (
		forced []string
		idle   []*Worker
	)
	for _, w := range workers {
		select {
		case <-w.Done():
			continue
		default:
		}

		job := w.Abandon(settleCtx)
		if job == nil {
			idle = append(idle, w)
			continue
		}
		forced = append(forced, fmt.Sprintf("%s (job %s)", w.Name(), job.ID))
	}

	// idle workers only need to leave Dequeue
	exitCtx, cancelExit := context.WithTimeout(context.Background(), idleExitTimeout)
	defer cancelExit()
	for _, w := range idle {
		select {
		case <-w.Done():
		case <-exitCtx.Done():
			p.logger.Warn("Idle worker still exiting", slog.String("worker", w.Name()))
		}
	}

	if len(forced) == 0 {
		p.logger.Info("Worker pool stopped", slog.Duration("took", time.Since(started)))
		return nil
	}

	timeout := time.Since(started)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = deadline.Sub(started)
	}

	err := &domain.ShutdownTimeoutError{Timeout: timeout.Round(time.Millisecond), Abandoned: forced}
	p.logger.Error("Worker pool force-stopped", slog.String("error", err.Error()))
	return err
}

// Wait blocks until every worker goroutine has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workersLocked() []*Worker {
	out := make([]*Worker, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Workers returns the current worker of every slot, ordered by id
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workersLocked()
}

// Snapshot returns the state of every worker, ordered by id
func (p *Pool) Snapshot() []Info {
	workers := p.Workers()
	out := make([]Info, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Info())
	}
	return out
}

// Queues returns the queue names the pool was built with
func (p *Pool) Queues() []string {
	return append([]string(nil), p.cfg.Queues...)
}

func (p *Pool) Size() int { return p.cfg.Size }

func (p *Pool) Name() string { return p.cfg.Name }

// Restarts returns how many crashed workers have been replaced
func (p *Pool) Restarts() int64 {
	return p.restarts.Load()
}
