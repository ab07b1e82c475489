package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/resqued/internal/api/dto"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	"github.com/gin-gonic/gin"
)

// Listing page bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var jobStatuses = map[string]bool{
	domain.JobStatusPending:   true,
	domain.JobStatusRunning:   true,
	domain.JobStatusCompleted: true,
	domain.JobStatusDead:      true,
}

// EnqueueJob handles POST /api/v1/queues/:queue/jobs
func (h *AdminHandler) EnqueueJob(c *gin.Context) {
	queueName := c.Param("queue")

	h.logger.Info("EnqueueJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("queue", queueName),
	)

	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if len(req.Args) > 0 && !json.Valid(req.Args) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "args must be valid JSON",
		})
		return
	}

	if h.registry != nil && !h.registry.Has(req.Class) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "unknown job class",
			"class": req.Class,
		})
		return
	}

	job := domain.NewJob(queueName, req.Class, req.Args)
	job.MaxRetries = req.MaxRetries

	if err := h.client.Enqueue(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(job, domain.JobStatusPending, time.Time{}))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *AdminHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	lister, ok := h.client.(queue.Lister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "queue backend does not keep job history",
		})
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}

	req.Status = strings.ToUpper(req.Status)
	if req.Status != "" && !jobStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// fetch one extra to know whether another page exists
	records, err := lister.ListJobs(c.Request.Context(), queue.JobFilter{
		Queue:    req.Queue,
		Class:    req.Class,
		Status:   req.Status,
		PageSize: req.PageSize + 1,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(records))
	for i := range records {
		jobResponse[i] = toJobDTO(&records[i].Job, records[i].Status, records[i].UpdatedAt)
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeJobCursor(&queue.JobCursor{
			EnqueuedAt: last.EnqueuedAt,
			JobID:      last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toJobDTO(job *domain.Job, status string, updatedAt time.Time) dto.JobDTO {
	out := dto.JobDTO{
		JobID:      job.ID,
		Queue:      job.Queue,
		Class:      job.Class,
		Args:       job.Args,
		Status:     status,
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		LastError:  job.LastError,
		EnqueuedAt: job.EnqueuedAt.Format(time.RFC3339Nano),
	}
	if !updatedAt.IsZero() {
		out.UpdatedAt = updatedAt.Format(time.RFC3339Nano)
	}
	return out
}
