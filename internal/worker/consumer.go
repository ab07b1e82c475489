package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// Run executes the worker loop on the calling goroutine until Stop is called
// or a panic escapes the loop. A panic is recorded as a WorkerCrash and
// returned; a requested stop returns nil. Done is closed on exit.
func (w *Worker) Run() (crash error) {
	w.logger.Info("Worker started",
		slog.Int("worker_id", w.id),
		slog.Duration("poll_interval", w.pollInterval),
	)

	defer func() {
		if r := recover(); r != nil {
			w.crash = &domain.WorkerCrash{WorkerID: w.id, Queue: w.queue, Cause: r}
			w.logger.Error("Worker crashed",
				slog.Any("cause", r),
				slog.String("stack", string(debug.Stack())),
			)
			crash = w.crash
		} else {
			w.logger.Info("Worker stopped", slog.Int64("processed", w.processed.Load()))
		}

		w.state.Store(int32(domain.WorkerDead))
		close(w.done)
	}()

	for !w.stopRequested() {
		w.poll()
	}

	return nil
}

// poll runs one dequeue → perform → settle round, or one idle wait
func (w *Worker) poll() {
	started := time.Now()

	job, err := w.client.Dequeue(w.pollCtx, w.queue, w.pollInterval)
	if err != nil {
		w.logger.Error("Failed to dequeue job", slog.String("error", err.Error()))
		w.idle(started)
		return
	}

	if job == nil {
		w.idle(started)
		return
	}

	if w.stopRequested() {
		w.release(job)
		return
	}

	w.process(job)
}

// idle waits out the rest of the poll interval, returning early on Stop
func (w *Worker) idle(since time.Time) {
	wait := w.pollInterval - time.Since(since)
	if wait < minIdleWait {
		wait = minIdleWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-w.stopChan:
	case <-timer.C:
	}
}

// release hands back a job that arrived after stop was requested.
// The attempt was never made, so the retry count is left alone.
func (w *Worker) release(job *domain.Job) {
	ctx := context.WithoutCancel(w.jobCtx)
	if err := w.client.Requeue(ctx, job, 0); err != nil {
		w.logger.Error("Failed to release job on stop",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Released job on stop", slog.String("job_id", job.ID))
}

// String implements fmt.Stringer for log lines
func (w *Worker) String() string {
	return fmt.Sprintf("%s[%s]", w.name, w.queue)
}
