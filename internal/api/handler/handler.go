package handler

import (
	"log/slog"

	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker"
)

// PoolView is the read-only part of the supervisor the admin API reports on
type PoolView interface {
	Workers() []worker.Info
	Queues() []string
	Draining() int
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Service  string
	Logger   *slog.Logger
	Pool     PoolView
	Client   queue.Client
	Registry *jobs.Registry
	Metrics  *metrics.Metrics
}

// AdminHandler serves worker, queue and job endpoints
type AdminHandler struct {
	service  string
	logger   *slog.Logger
	pool     PoolView
	client   queue.Client
	registry *jobs.Registry
}

// NewAdminHandler creates a new AdminHandler instance
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{
		service:  deps.Service,
		logger:   deps.Logger,
		pool:     deps.Pool,
		client:   deps.Client,
		registry: deps.Registry,
	}
}
