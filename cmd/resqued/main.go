package main

import (
	"fmt"
	"log"
	"os"

	"github.com/cuongbtq/resqued/internal/config"
	"github.com/cuongbtq/resqued/internal/supervisor"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "resqued:", err)
		os.Exit(supervisor.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	defaultConfigPath := os.Getenv("RESQUED_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/resqued/config.yaml"
	}

	var configPath string

	root := &cobra.Command{
		Use:           "resqued",
		Short:         "Supervised worker pool for background job queues",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newEnqueueCmd(&configPath),
		newMigrateCmd(&configPath),
		newJobsCmd(),
	)
	return root
}

// loadConfig reads and validates the configuration file. Any failure is a
// configuration error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &config.ConfigError{Field: path, Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
