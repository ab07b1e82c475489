// Package supervisor runs the worker pool for the lifetime of the process:
// it applies the configuration, runs the before_fork hooks, reacts to
// signals (SIGHUP reloads, SIGTERM/SIGINT shut down) and turns the outcome
// into a process exit code.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker"
	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// Exit codes
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// ErrAlreadyStarted is returned by a second call to Start
var ErrAlreadyStarted = errors.New("supervisor already started")

// ErrShuttingDown is returned by Reload once shutdown has begun
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Loader returns a fresh configuration. It is called at Start and on every reload.
type Loader func() (*config.Config, error)

// Options holds the supervisor collaborators
type Options struct {
	Loader   Loader
	Client   queue.Client
	Registry *jobs.Registry
	Hooks    map[string]Hook
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Signals replaces the OS signal subscription, mostly for tests
	Signals <-chan os.Signal
}

// Supervisor owns the current worker pool and the pools still draining
// after a reload
type Supervisor struct {
	loader   Loader
	client   queue.Client
	registry *jobs.Registry
	hooks    map[string]Hook
	metrics  *metrics.Metrics
	logger   *slog.Logger
	signals  <-chan os.Signal

	mu         sync.Mutex
	cfg        *config.Config
	pool       *worker.Pool
	draining   map[*worker.Pool]struct{}
	generation int
	started    bool
	stopping   bool

	drainWG      sync.WaitGroup
	ready        chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a supervisor. Nothing runs until Start.
func New(opts *Options) (*Supervisor, error) {
	if opts.Loader == nil {
		return nil, errors.New("supervisor needs a config loader")
	}
	if opts.Client == nil || opts.Registry == nil {
		return nil, errors.New("supervisor needs a queue client and a job registry")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hooks := opts.Hooks
	if hooks == nil {
		hooks = map[string]Hook{}
	}

	return &Supervisor{
		loader:   opts.Loader,
		client:   opts.Client,
		registry: opts.Registry,
		hooks:    hooks,
		metrics:  opts.Metrics,
		logger:   logger,
		signals:  opts.Signals,
		draining: make(map[*worker.Pool]struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads and validates the configuration, runs the before_fork hooks
// once in order, starts the worker pool and then blocks, handling signals,
// until the process is asked to terminate or ctx is cancelled. It returns
// the shutdown result. A configuration problem is returned before any
// worker starts.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	sigs := s.signals
	if sigs == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
		defer signal.Stop(ch)
		sigs = ch
	}

	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	hookCtx, stopWatch := s.watchStartup(ctx, sigs)
	err = s.runHooks(hookCtx, cfg)
	if sig := stopWatch(); sig != nil {
		s.logger.Info("Received shutdown signal during startup, no workers started",
			slog.String("signal", sig.String()),
		)
		return nil
	}
	if err != nil {
		return err
	}

	pool, err := s.startPool(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.pool = pool
	s.mu.Unlock()

	s.logger.Info("Supervisor started",
		slog.Int("pid", os.Getpid()),
		slog.Int("worker_count", cfg.Supervisor.WorkerPool.Count),
		slog.Any("queues", cfg.Supervisor.Queues),
	)
	close(s.ready)

	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				s.logger.Info("Received reload signal", slog.String("signal", sig.String()))
				_ = s.Reload(ctx)
			default:
				s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
				return s.Shutdown(s.shutdownTimeout())
			}

		case <-ctx.Done():
			s.logger.Info("Context cancelled, shutting down")
			return s.Shutdown(s.shutdownTimeout())
		}
	}
}

// watchStartup reads sigs while the before_fork hooks run. A termination
// signal cancels the returned context; SIGHUP is dropped since the
// configuration has just been loaded. stop ends the watch and returns the
// termination signal, if one arrived.
func (s *Supervisor) watchStartup(ctx context.Context, sigs <-chan os.Signal) (context.Context, func() os.Signal) {
	hookCtx, cancel := context.WithCancel(ctx)
	quit := make(chan struct{})
	result := make(chan os.Signal, 1)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					s.logger.Info("Ignoring reload signal during startup")
					continue
				}
				cancel()
				result <- sig
				return
			case <-quit:
				result <- nil
				return
			}
		}
	}()

	return hookCtx, func() os.Signal {
		close(quit)
		sig := <-result
		cancel()
		return sig
	}
}

// Ready is closed once the first pool is running
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

func (s *Supervisor) loadConfig() (*config.Config, error) {
	cfg, err := s.loader()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkHooks(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startPool builds the next generation pool from cfg and starts it
func (s *Supervisor) startPool(cfg *config.Config) (*worker.Pool, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	sup := cfg.Supervisor
	pool, err := worker.NewPool(&worker.PoolConfig{
		Name:         fmt.Sprintf("gen%d", gen),
		Size:         sup.WorkerPool.Count,
		Queues:       sup.Queues,
		PollInterval: sup.WorkerPool.Interval.Duration(),
		Client:       s.client,
		Registry:     s.registry,
		Retry: worker.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		RestartInitial: sup.RestartBackoff.Initial,
		RestartMax:     sup.RestartBackoff.Max,
		RestartRate:    sup.RestartRate,
		RestartBurst:   sup.RestartBurst,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	if err := pool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return pool, nil
}

// Reload re-reads the configuration and replaces the pool. The new pool
// starts first; the old one is then drained gracefully in the background,
// so in-flight jobs are never dropped. An invalid configuration is logged
// and the current pool kept.
func (s *Supervisor) Reload(ctx context.Context) error {
	cfg, err := s.loadConfig()
	if err != nil {
		s.logger.Error("Reload failed, keeping current pool", slog.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	if s.stopping || s.pool == nil {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.mu.Unlock()

	pool, err := s.startPool(cfg)
	if err != nil {
		s.logger.Error("Reload failed, keeping current pool", slog.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = pool.StopAll(ctx, false)
		return ErrShuttingDown
	}
	old := s.pool
	oldTimeout := s.cfg.Supervisor.ShutdownTimeout
	s.pool = pool
	s.cfg = cfg
	s.draining[old] = struct{}{}
	s.drainWG.Add(1)
	s.mu.Unlock()

	s.logger.Info("Reloaded worker pool",
		slog.String("pool", pool.Name()),
		slog.Int("worker_count", pool.Size()),
		slog.Any("queues", pool.Queues()),
	)

	go s.drain(old, oldTimeout)
	return nil
}

func (s *Supervisor) drain(pool *worker.Pool, timeout time.Duration) {
	defer s.drainWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pool.StopAll(ctx, true); err != nil {
		s.logger.Error("Old worker pool did not drain in time",
			slog.String("pool", pool.Name()),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("Old worker pool drained", slog.String("pool", pool.Name()))
	}

	s.mu.Lock()
	delete(s.draining, pool)
	s.mu.Unlock()
}

// Shutdown stops every worker, waiting up to timeout for in-flight jobs.
// Workers still running after that are force-stopped, their jobs requeued,
// and a *domain.ShutdownTimeoutError is returned. Calling it again returns
// the first result.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(timeout)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdown(timeout time.Duration) error {
	started := time.Now()

	s.mu.Lock()
	s.stopping = true
	pools := make([]*worker.Pool, 0, len(s.draining)+1)
	if s.pool != nil {
		pools = append(pools, s.pool)
	}
	for p := range s.draining {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down",
		slog.Int("pools", len(pools)),
		slog.Duration("timeout", timeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		forced   []string
		otherErr error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			err := p.StopAll(ctx, true)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			var timeoutErr *domain.ShutdownTimeoutError
			if errors.As(err, &timeoutErr) {
				forced = append(forced, timeoutErr.Abandoned...)
				return
			}
			otherErr = errors.Join(otherErr, err)
		}(p)
	}
	wg.Wait()

	// draining pools were stopped above; their goroutines only log now
	drained := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}

	if len(forced) > 0 {
		err := &domain.ShutdownTimeoutError{Timeout: timeout, Abandoned: forced}
		s.logger.Error("Shutdown timed out", slog.String("error", err.Error()))
		return err
	}
	if otherErr != nil {
		return otherErr
	}

	s.logger.Info("Shutdown complete", slog.Duration("took", time.Since(started)))
	return nil
}

func (s *Supervisor) shutdownTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return config.Default().Supervisor.ShutdownTimeout
	}
	return s.cfg.Supervisor.ShutdownTimeout
}

// Workers returns a snapshot of the current pool's workers
func (s *Supervisor) Workers() []worker.Info {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Snapshot()
}

// Queues returns the queue names of the current pool
func (s *Supervisor) Queues() []string {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Queues()
}

// Config returns the configuration of the current pool
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Draining returns how many replaced pools are still finishing their jobs
func (s *Supervisor) Draining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.draining)
}

// ExitCode maps the result of Start to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitFailure
}
