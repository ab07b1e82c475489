package config

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid setting. It is fatal at startup: the
// process exits before any worker starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.ValidateSupervisorConfig(); err != nil {
		return err
	}

	if c.Retry.MaxRetries < 0 {
		return invalid("retry.max_retries", "must not be negative")
	}

	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return invalid("retry", "delays must not be negative")
	}

	if err := c.ValidateBackendConfig(); err != nil {
		return err
	}

	if c.Admin.Enabled && (c.Admin.Port < MinPort || c.Admin.Port > MaxPort) {
		return invalid("admin.port", "%d (must be between %d and %d)", c.Admin.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateSupervisorConfig checks the worker pool, queue and hook settings
func (c *Config) ValidateSupervisorConfig() error {
	s := c.Supervisor

	if s.WorkerPool.Count <= 0 {
		return invalid("supervisor.worker_pool.count", "must be greater than 0")
	}

	if s.WorkerPool.Interval < 0 {
		return invalid("supervisor.worker_pool.interval", "must not be negative")
	}

	if len(s.Queues) == 0 {
		return invalid("supervisor.queues", "at least one queue is required")
	}

	for i, name := range s.Queues {
		if strings.TrimSpace(name) == "" {
			return invalid(fmt.Sprintf("supervisor.queues[%d]", i), "queue name must not be empty")
		}
	}

	for i, hook := range s.BeforeFork {
		if strings.TrimSpace(hook) == "" {
			return invalid(fmt.Sprintf("supervisor.before_fork[%d]", i), "hook name must not be empty")
		}
	}

	if s.ShutdownTimeout <= 0 {
		return invalid("supervisor.shutdown_timeout", "must be greater than 0")
	}

	if s.RestartRate <= 0 || s.RestartBurst <= 0 {
		return invalid("supervisor.restart_rate", "rate and burst must be greater than 0")
	}

	return nil
}

// ValidateBackendConfig checks the settings of the selected queue backend
func (c *Config) ValidateBackendConfig() error {
	switch c.Queue.Backend {
	case BackendMemory:
		return nil

	case BackendPostgres:
		if c.Database.Host == "" {
			return invalid("database.host", "database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return invalid("database.port", "%d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return invalid("database.database", "database name is required")
		}
		if c.Queue.StaleAfter <= 0 {
			return invalid("queue.stale_after", "must be greater than 0")
		}
		return nil

	case BackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return invalid("rabbitmq.host", "rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return invalid("rabbitmq.port", "%d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return invalid("rabbitmq.exchange.name", "rabbitmq exchange name is required")
		}
		return nil

	default:
		return invalid("queue.backend", "unknown backend %q (want %s, %s or %s)",
			c.Queue.Backend, BackendMemory, BackendPostgres, BackendRabbitMQ)
	}
}
