package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

var errMalformedMessage = errors.New("malformed job message")

// encodeJob renders job as the message body
func encodeJob(job *domain.Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return body, nil
}

// decodeJob parses a message body; the queue it was read from wins over
// the queue recorded in the body
func decodeJob(queue string, body []byte) (*domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if job.ID == "" || job.Class == "" {
		return nil, fmt.Errorf("%w: id and class are required", errMalformedMessage)
	}
	job.Queue = queue
	return &job, nil
}
