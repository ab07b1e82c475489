package dto

import (
	"encoding/json"

	"github.com/cuongbtq/resqued/internal/worker"
)

type EnqueueJobRequest struct {
	Class      string          `json:"class" binding:"required"`
	Args       json.RawMessage `json:"args"`
	MaxRetries int             `json:"max_retries" binding:"min=0"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	Class    string `form:"class"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID      string          `json:"job_id"`
	Queue      string          `json:"queue"`
	Class      string          `json:"class"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt string          `json:"enqueued_at"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

type WorkersResponse struct {
	Workers  []worker.Info `json:"workers"`
	Draining int           `json:"draining"`
}

type QueueDTO struct {
	Name string `json:"name"`
	// Size is nil when the backend cannot report depth
	Size *int `json:"size"`
}

type QueuesResponse struct {
	Queues []QueueDTO `json:"queues"`
}
