package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Retry      RetryConfig      `yaml:"retry"`
	Queue      QueueConfig      `yaml:"queue"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admin      AdminConfig      `yaml:"admin"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// SupervisorConfig mirrors the worker_pool / queue / before_fork options
type SupervisorConfig struct {
	WorkerPool      WorkerPoolConfig `yaml:"worker_pool"`
	Queues          []string         `yaml:"queues"`
	BeforeFork      []string         `yaml:"before_fork"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RestartBackoff  BackoffConfig    `yaml:"restart_backoff"`
	RestartRate     float64          `yaml:"restart_rate"`
	RestartBurst    int              `yaml:"restart_burst"`
}

// WorkerPoolConfig holds the pool size and the poll interval
type WorkerPoolConfig struct {
	Count    int      `yaml:"count"`
	Interval Interval `yaml:"interval"`
}

// BackoffConfig bounds an exponential backoff
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// RetryConfig holds the job retry / dead-letter policy
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// QueueConfig selects the queue store backend
type QueueConfig struct {
	Backend  string        `yaml:"backend" env:"RESQUED_QUEUE_BACKEND"`
	PollStep time.Duration `yaml:"poll_step"`
	// Identity is written to locked_by by backends that record claim ownership;
	// it defaults to the host name
	Identity string `yaml:"identity" env:"RESQUED_IDENTITY"`
	// StaleAfter is how long a claimed job may stay locked before the
	// recover-stale-jobs hook hands it back to its queue
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"RESQUED_DB_HOST"`
	Port            int           `yaml:"port" env:"RESQUED_DB_PORT"`
	User            string        `yaml:"user" env:"RESQUED_DB_USER"`
	Password        string        `yaml:"password" env:"RESQUED_DB_PASSWORD"`
	Database        string        `yaml:"database" env:"RESQUED_DB_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"RESQUED_AMQP_HOST"`
	Port       int              `yaml:"port" env:"RESQUED_AMQP_PORT"`
	User       string           `yaml:"user" env:"RESQUED_AMQP_USER"`
	Password   string           `yaml:"password" env:"RESQUED_AMQP_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Durable    bool             `yaml:"durable"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"RESQUED_LOG_LEVEL"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port" env:"RESQUED_ADMIN_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Interval is a duration that may be written either as a number of seconds
// (interval: 0.5) or as a Go duration string (interval: 500ms).
type Interval time.Duration

// Duration returns the interval as a time.Duration
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// UnmarshalYAML accepts seconds or a duration string
func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*i = Interval(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid interval %q: %w", node.Value, err)
	}
	*i = Interval(d)
	return nil
}

// Default returns a configuration with every documented default applied
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "resqued",
			Environment: "development",
		},
		Supervisor: SupervisorConfig{
			WorkerPool: WorkerPoolConfig{
				Count:    1,
				Interval: Interval(5 * time.Second),
			},
			ShutdownTimeout: 30 * time.Second,
			RestartBackoff: BackoffConfig{
				Initial: 500 * time.Millisecond,
				Max:     30 * time.Second,
			},
			RestartRate:  5,
			RestartBurst: 10,
		},
		Retry: RetryConfig{
			MaxRetries:   4,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:    BackendMemory,
			PollStep:   100 * time.Millisecond,
			StaleAfter: time.Hour,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "resqued",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectAttempts: 5,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
			Exchange: ExchangeConfig{
				Name:    "resqued",
				Type:    "direct",
				Durable: true,
			},
			Durable: true,
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 5 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Port:            9292,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads and parses the configuration file on top of the defaults,
// then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}
