package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job represents a unit of work travelling through a queue
type Job struct {
	ID         string          `json:"id" db:"id"`
	Queue      string          `json:"queue" db:"queue"`
	Class      string          `json:"class" db:"class"`
	Args       json.RawMessage `json:"args,omitempty" db:"args"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	MaxRetries int             `json:"max_retries,omitempty" db:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at" db:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty" db:"last_error"`
}

// NewJob builds a job with a fresh id for the given queue and class
func NewJob(queue, class string, args json.RawMessage) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Class:      class,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy so stores never share a job with a worker
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Args != nil {
		c.Args = append(json.RawMessage(nil), j.Args...)
	}
	return &c
}
