package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/resqued/internal/api/dto"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// Health handles GET /health
func (h *AdminHandler) Health(c *gin.Context) {
	if pinger, ok := h.client.(queue.Pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		if err := pinger.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": h.service,
				"error":   err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// ListWorkers handles GET /api/v1/workers
func (h *AdminHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, dto.WorkersResponse{
		Workers:  h.pool.Workers(),
		Draining: h.pool.Draining(),
	})
}

// ListQueues handles GET /api/v1/queues
func (h *AdminHandler) ListQueues(c *gin.Context) {
	names := h.pool.Queues()
	out := make([]dto.QueueDTO, len(names))
	for i, name := range names {
		out[i] = dto.QueueDTO{Name: name}
	}

	if inspector, ok := h.client.(queue.Inspector); ok && len(names) > 0 {
		sizes, err := inspector.QueueSizes(c.Request.Context(), names)
		if err != nil {
			h.logger.Error("Failed to read queue sizes", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read queue sizes",
			})
			return
		}
		for i := range out {
			size := sizes[out[i].Name]
			out[i].Size = &size
		}
	}

	c.JSON(http.StatusOK, dto.QueuesResponse{Queues: out})
}
