package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/queue"
)

// Hook runs once in the supervisor before the first workers start
type Hook func(ctx context.Context, cfg *config.Config) error

// Built-in hook names usable in supervisor.before_fork
const (
	HookLogConfig        = "log-config"
	HookPingQueue        = "ping-queue"
	HookRecoverStaleJobs = "recover-stale-jobs"
)

// StaleRecoverer is implemented by stores that can return jobs left
// claimed by a previous process to their queue
type StaleRecoverer interface {
	RecoverStale(ctx context.Context) (int64, error)
}

// DefaultHooks returns the built-in hooks bound to client
func DefaultHooks(client queue.Client, logger *slog.Logger) map[string]Hook {
	return map[string]Hook{
		HookLogConfig: func(_ context.Context, cfg *config.Config) error {
			logger.Info("Effective configuration",
				slog.String("app", cfg.App.Name),
				slog.String("backend", cfg.Queue.Backend),
				slog.Int("worker_count", cfg.Supervisor.WorkerPool.Count),
				slog.Duration("poll_interval", cfg.Supervisor.WorkerPool.Interval.Duration()),
				slog.Any("queues", cfg.Supervisor.Queues),
				slog.Int("max_retries", cfg.Retry.MaxRetries),
			)
			return nil
		},

		HookPingQueue: func(ctx context.Context, _ *config.Config) error {
			pinger, ok := client.(queue.Pinger)
			if !ok {
				return nil
			}
			if err := pinger.Ping(ctx); err != nil {
				return fmt.Errorf("queue store unreachable: %w", err)
			}
			logger.Info("Queue store reachable")
			return nil
		},

		HookRecoverStaleJobs: func(ctx context.Context, _ *config.Config) error {
			recoverer, ok := client.(StaleRecoverer)
			if !ok {
				logger.Warn("Queue backend cannot recover stale jobs, skipping")
				return nil
			}
			n, err := recoverer.RecoverStale(ctx)
			if err != nil {
				return fmt.Errorf("failed to recover stale jobs: %w", err)
			}
			logger.Info("Recovered stale jobs", slog.Int64("count", n))
			return nil
		},
	}
}

// checkHooks rejects before_fork entries with no registered hook
func (s *Supervisor) checkHooks(cfg *config.Config) error {
	for i, name := range cfg.Supervisor.BeforeFork {
		if _, ok := s.hooks[name]; !ok {
			return &config.ConfigError{
				Field:  fmt.Sprintf("supervisor.before_fork[%d]", i),
				Reason: fmt.Sprintf("unknown hook %q", name),
			}
		}
	}
	return nil
}

// runHooks runs the before_fork hooks in configured order, stopping at the
// first failure
func (s *Supervisor) runHooks(ctx context.Context, cfg *config.Config) error {
	for _, name := range cfg.Supervisor.BeforeFork {
		s.logger.Info("Running before_fork hook", slog.String("hook", name))
		if err := s.hooks[name](ctx, cfg); err != nil {
			return fmt.Errorf("before_fork hook %q: %w", name, err)
		}
	}
	return nil
}
