package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// process performs one dequeued job and settles it
func (w *Worker) process(job *domain.Job) {
	w.mu.Lock()
	w.current = job
	w.currentSince = time.Now()
	w.mu.Unlock()

	w.state.CompareAndSwap(int32(domain.WorkerIdle), int32(domain.WorkerRunning))
	w.metrics.JobStarted(w.queue)

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("class", job.Class),
		slog.Int("retry_count", job.RetryCount),
	)

	started := time.Now()
	err := w.perform(job)
	w.metrics.JobFinished(w.queue, job.Class, time.Since(started), err)

	// Abandon may have taken the job while it ran
	w.mu.Lock()
	owned := w.current == job
	w.current = nil
	w.mu.Unlock()

	if owned {
		w.settle(context.WithoutCancel(w.jobCtx), job, err)
	}

	w.state.CompareAndSwap(int32(domain.WorkerRunning), int32(domain.WorkerIdle))
}

// perform resolves the job class and runs it. Errors and panics raised by
// the job are returned, never propagated.
func (w *Worker) perform(job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrPerformPanic, r)
		}
	}()

	performer, err := w.registry.Lookup(job.Class)
	if err != nil {
		return err
	}

	if len(job.Args) > 0 && !json.Valid(job.Args) {
		return fmt.Errorf("%w: args are not valid JSON", domain.ErrInvalidPayload)
	}

	return performer.Perform(w.jobCtx, job.Args)
}

// settle acks a successful job, or requeues / dead-letters a failed one
func (w *Worker) settle(ctx context.Context, job *domain.Job, err error) {
	if err == nil {
		w.processed.Add(1)
		if ackErr := w.client.Ack(ctx, job); ackErr != nil {
			w.logger.Error("Failed to ack job",
				slog.String("job_id", job.ID),
				slog.String("error", ackErr.Error()),
			)
			return
		}
		w.logger.Info("Job completed successfully",
			slog.String("job_id", job.ID),
			slog.String("class", job.Class),
		)
		return
	}

	w.failed.Add(1)
	job.RetryCount++
	job.LastError = err.Error()

	failure := &domain.JobFailure{
		JobID:   job.ID,
		Queue:   job.Queue,
		Class:   job.Class,
		Attempt: job.RetryCount,
		Err:     err,
	}

	if !domain.IsRetryable(err) || w.retry.Exhausted(job) {
		reason := failure.Error()
		if domain.IsRetryable(err) {
			reason = fmt.Sprintf("%v: %v", domain.ErrMaxRetriesExceeded, failure)
		}

		if dlErr := w.client.DeadLetter(ctx, job, reason); dlErr != nil {
			w.logger.Error("Failed to dead-letter job",
				slog.String("job_id", job.ID),
				slog.String("error", dlErr.Error()),
			)
			return
		}
		w.metrics.JobDead(w.queue)
		w.logger.Warn("Job moved to dead letter",
			slog.String("job_id", job.ID),
			slog.String("class", job.Class),
			slog.Int("retry_count", job.RetryCount),
			slog.Int("max_retries", w.retry.Limit(job)),
			slog.String("error", err.Error()),
		)
		return
	}

	delay := w.retry.Delay(job.RetryCount)
	if rqErr := w.client.Requeue(ctx, job, delay); rqErr != nil {
		w.logger.Error("Failed to requeue job",
			slog.String("job_id", job.ID),
			slog.String("error", rqErr.Error()),
		)
		return
	}
	w.metrics.JobRetried(w.queue)

	level := slog.LevelWarn
	if errors.Is(err, domain.ErrJobAbandoned) {
		level = slog.LevelError
	}
	w.logger.Log(ctx, level, "Job failed, will be retried",
		slog.String("job_id", job.ID),
		slog.String("class", job.Class),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", w.retry.Limit(job)),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}
