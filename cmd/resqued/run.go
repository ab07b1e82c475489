package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/resqued/internal/api/handler"
	"github.com/cuongbtq/resqued/internal/api/router"
	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and its worker pool",
		Long: `Start the supervisor, run the before_fork hooks and the worker pool.

SIGHUP reloads the configuration and replaces the pool without dropping
running jobs. SIGTERM and SIGINT shut down gracefully within
supervisor.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	logger := appLogger.Logger

	logger.Info("Starting resqued",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("backend", cfg.Queue.Backend),
	)

	registry, err := initRegistry(logger)
	if err != nil {
		return err
	}

	client, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s queue backend: %w", cfg.Queue.Backend, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close queue backend", slog.Any("error", err))
		}
	}()

	appMetrics := metrics.New()

	sup, err := supervisor.New(&supervisor.Options{
		Loader: func() (*config.Config, error) {
			next, err := loadConfig(configPath)
			if err != nil {
				return nil, err
			}
			if next.Queue.Backend != cfg.Queue.Backend {
				logger.Warn("Queue backend cannot change on reload, keeping current",
					slog.String("current", cfg.Queue.Backend),
					slog.String("requested", next.Queue.Backend),
				)
			}
			return next, nil
		},
		Client:   client,
		Registry: registry,
		Hooks:    supervisor.DefaultHooks(client, logger),
		Metrics:  appMetrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Admin.Enabled {
		srv = startAdminServer(cfg, logger, sup, client, registry, appMetrics)
	}

	runErr := sup.Start(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server forced to shutdown", slog.Any("error", err))
		}
	}

	if runErr != nil {
		logger.Error("Supervisor stopped with error", slog.Any("error", runErr))
		return runErr
	}

	logger.Info("Shutdown complete")
	return nil
}

// startAdminServer serves the admin API in the background
func startAdminServer(
	cfg *config.Config,
	logger *slog.Logger,
	sup *supervisor.Supervisor,
	client queue.Client,
	registry *jobs.Registry,
	appMetrics *metrics.Metrics,
) *http.Server {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Service:  cfg.App.Name,
		Logger:   logger,
		Pool:     sup,
		Client:   client,
		Registry: registry,
		Metrics:  appMetrics,
	})

	addr := fmt.Sprintf(":%d", cfg.Admin.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
	}

	logger.Info("Starting admin HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Admin.ReadTimeout),
		slog.Duration("write_timeout", cfg.Admin.WriteTimeout),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// the worker pool keeps running without its admin surface
			logger.Error("Admin server failed", slog.Any("error", err))
		}
	}()

	return srv
}
