package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/queue"
	pgqueue "github.com/cuongbtq/resqued/internal/queue/postgres"
	amqpqueue "github.com/cuongbtq/resqued/internal/queue/rabbitmq"
	"github.com/cuongbtq/resqued/shared/logger"
	"github.com/cuongbtq/resqued/shared/postgresql"
	"github.com/cuongbtq/resqued/shared/rabbitmq"
)

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRegistry registers every job class this binary can perform
func initRegistry(logger *slog.Logger) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	if err := jobs.RegisterBuiltins(registry, logger); err != nil {
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}
	return registry, nil
}

// pgBackend closes the database along with the store
type pgBackend struct {
	*pgqueue.Store
	db *postgresql.Client
}

func (b *pgBackend) Close() error {
	return b.db.Close()
}

// openBackend connects the configured queue store
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Client, error) {
	switch cfg.Queue.Backend {
	case config.BackendPostgres:
		dbClient, err := initPostgreSQL(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, err
		}

		if cfg.Database.AutoMigrate {
			if err := pgqueue.Migrate(dbClient.GetDB().DB, logger); err != nil {
				dbClient.Close()
				return nil, err
			}
		}

		identity := cfg.Queue.Identity
		if identity == "" {
			identity, _ = os.Hostname()
		}

		store := pgqueue.New(dbClient.GetDB(), pgqueue.Options{
			PollStep:   cfg.Queue.PollStep,
			Identity:   identity,
			StaleAfter: cfg.Queue.StaleAfter,
			Logger:     logger,
		})
		return &pgBackend{Store: store, db: dbClient}, nil

	case config.BackendRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		return amqpqueue.New(rabbitClient, cfg.Queue.PollStep, logger), nil

	default:
		return queue.NewMemory(), nil
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: cfg.ConnectAttempts,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueDurable:       cfg.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
