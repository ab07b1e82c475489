package worker

import (
	"math"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// RetryPolicy decides how often and how soon a failed job is attempted again.
// A job with MaxRetries > 0 overrides the policy limit.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Limit returns the number of retries allowed for job
func (p RetryPolicy) Limit(job *domain.Job) int {
	if job != nil && job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return p.MaxRetries
}

// Exhausted reports whether job has used up its retries
func (p RetryPolicy) Exhausted(job *domain.Job) bool {
	return job.RetryCount > p.Limit(job)
}

// Delay returns the wait before retry number retry (1-based):
// InitialDelay * 2^(retry-1), capped at MaxDelay. Without a cap it
// saturates at the largest Duration.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.InitialDelay <= 0 {
		return 0
	}

	delay := p.InitialDelay
	for i := 1; i < retry; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
