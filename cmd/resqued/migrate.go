package main

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/resqued/internal/config"
	pgqueue "github.com/cuongbtq/resqued/internal/queue/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL queue schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != config.BackendPostgres {
				return errors.New("migrate only applies to the postgres backend")
			}

			appLogger, err := initLogger(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer appLogger.Close()

			dbClient, err := initPostgreSQL(cmd.Context(), &cfg.Database, appLogger.Logger)
			if err != nil {
				return err
			}
			defer dbClient.Close()

			return pgqueue.Migrate(dbClient.GetDB().DB, appLogger.Logger)
		},
	}
}
