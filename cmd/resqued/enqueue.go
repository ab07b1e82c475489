package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	"github.com/spf13/cobra"
)

type enqueueOptions struct {
	queue      string
	class      string
	args       string
	maxRetries int
}

func newEnqueueCmd(configPath *string) *cobra.Command {
	var opts enqueueOptions

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push a job onto a queue",
		Example: `  resqued enqueue --queue critical --class SleepJob --args '[5]'
  echo '{"seconds":2}' | resqued enqueue --queue default --class SleepJob --args -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return enqueue(cmd, *configPath, &opts)
		},
	}

	cmd.Flags().StringVar(&opts.queue, "queue", "", "Queue name")
	cmd.Flags().StringVar(&opts.class, "class", "", "Job class")
	cmd.Flags().StringVar(&opts.args, "args", "", "JSON arguments, or - to read them from stdin")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Retry limit for this job; 0 uses the configured default")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("class")

	return cmd
}

func enqueue(cmd *cobra.Command, configPath string, opts *enqueueOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return errors.New("the memory backend lives inside the running process; enqueue through the admin API instead")
	}
	if opts.maxRetries < 0 {
		return errors.New("--max-retries must not be negative")
	}

	args, err := readArgs(opts.args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	registry, err := initRegistry(appLogger.Logger)
	if err != nil {
		return err
	}
	if !registry.Has(opts.class) {
		appLogger.Warn("Job class is not registered in this binary; workers will dead-letter it",
			slog.String("class", opts.class),
		)
	}

	client, err := openBackend(cmd.Context(), cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open %s queue backend: %w", cfg.Queue.Backend, err)
	}
	defer client.Close()

	job := domain.NewJob(opts.queue, opts.class, args)
	job.MaxRetries = opts.maxRetries

	if err := client.Enqueue(cmd.Context(), job); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

// readArgs validates raw as JSON; "-" reads it from in
func readArgs(raw string, in io.Reader) (json.RawMessage, error) {
	if raw == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read args from stdin: %w", err)
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--args is not valid JSON: %s", raw)
	}
	return json.RawMessage(raw), nil
}
