// Package postgres stores queued jobs in a PostgreSQL table. Workers claim
// jobs with FOR UPDATE SKIP LOCKED, so concurrent Dequeue calls never hand
// out the same row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const table = "resqued_jobs"

const returningColumns = `id, queue, class, args, status, retry_count, max_retries, last_error, enqueued_at, updated_at`

// DefaultPageSize applies when a listing asks for no page size
const DefaultPageSize = 20

// Options tunes the store
type Options struct {
	// PollStep is the pause between claim attempts while Dequeue waits
	PollStep time.Duration
	// Identity is recorded in locked_by on claimed rows
	Identity string
	// StaleAfter is how long a RUNNING row may stay locked before
	// RecoverStale returns it to its queue
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Store implements queue.Client, queue.Inspector, queue.Lister and queue.Pinger
type Store struct {
	db         *sqlx.DB
	logger     *slog.Logger
	pollStep   time.Duration
	identity   string
	staleAfter time.Duration
	builder    sq.StatementBuilderType
}

var (
	_ queue.Client    = (*Store)(nil)
	_ queue.Inspector = (*Store)(nil)
	_ queue.Lister    = (*Store)(nil)
	_ queue.Pinger    = (*Store)(nil)
)

// jobRow is the scan target for a resqued_jobs row
type jobRow struct {
	ID         string    `db:"id"`
	Queue      string    `db:"queue"`
	Class      string    `db:"class"`
	Args       []byte    `db:"args"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
	MaxRetries int       `db:"max_retries"`
	LastError  string    `db:"last_error"`
	EnqueuedAt time.Time `db:"enqueued_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *jobRow) job() *domain.Job {
	return &domain.Job{
		ID:         r.ID,
		Queue:      r.Queue,
		Class:      r.Class,
		Args:       r.Args,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		EnqueuedAt: r.EnqueuedAt.UTC(),
		LastError:  r.LastError,
	}
}

// New creates a Store on db. The caller owns db and closes it.
func New(db *sqlx.DB, opts Options) *Store {
	if opts.PollStep <= 0 {
		opts.PollStep = 100 * time.Millisecond
	}
	if opts.Identity == "" {
		opts.Identity = "resqued"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		db:         db,
		logger:     opts.Logger,
		pollStep:   opts.PollStep,
		identity:   opts.Identity,
		staleAfter: opts.StaleAfter,
		builder:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// argsParam sends JSON args as text; lib/pq would encode []byte as bytea
func argsParam(job *domain.Job) any {
	if len(job.Args) == 0 {
		return nil
	}
	return string(job.Args)
}

// Enqueue inserts job as PENDING, ready immediately
func (s *Store) Enqueue(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO resqued_jobs (id, queue, class, args, retry_count, max_retries, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Queue, job.Class, argsParam(job), job.RetryCount, job.MaxRetries, enqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("class", job.Class),
	)
	return nil
}

// Dequeue claims the oldest ready job on queue, polling every PollStep
// until timeout. Returns (nil, nil) on timeout or when ctx ends.
func (s *Store) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(timeout)

	for {
		job, err := s.claim(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > s.pollStep {
			wait = s.pollStep
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// claim atomically moves one ready job to RUNNING
func (s *Store) claim(ctx context.Context, queueName string) (*domain.Job, error) {
	query := `
		UPDATE resqued_jobs
		SET status = 'RUNNING',
		    locked_by = $2,
		    locked_at = NOW(),
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM resqued_jobs
			WHERE queue = $1
			  AND status = 'PENDING'
			  AND run_after <= NOW()
			ORDER BY run_after, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + returningColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, queueName, s.identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID),
		slog.String("queue", row.Queue),
		slog.String("locked_by", s.identity),
	)
	return row.job(), nil
}

// settle runs a status transition that only applies to a claimed row
func (s *Store) settle(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", op, args[0], domain.ErrJobNotInFlight)
	}
	return nil
}

// Ack marks a claimed job COMPLETED. Acking a completed job is a no-op.
func (s *Store) Ack(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE resqued_jobs
		SET status = 'COMPLETED',
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('RUNNING', 'COMPLETED')
	`
	return s.settle(ctx, "ack", query, job.ID)
}

// Requeue returns a claimed job to PENDING, ready after delay
func (s *Store) Requeue(ctx context.Context, job *domain.Job, delay time.Duration) error {
	query := `
		UPDATE resqued_jobs
		SET status = 'PENDING',
		    retry_count = $2,
		    last_error = $3,
		    run_after = NOW() + make_interval(secs => $4),
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'RUNNING'
	`
	return s.settle(ctx, "requeue", query, job.ID, job.RetryCount, job.LastError, delay.Seconds())
}

// DeadLetter marks a claimed job DEAD with reason
func (s *Store) DeadLetter(ctx context.Context, job *domain.Job, reason string) error {
	query := `
		UPDATE resqued_jobs
		SET status = 'DEAD',
		    retry_count = $2,
		    last_error = $3,
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'RUNNING'
	`
	return s.settle(ctx, "dead-letter", query, job.ID, job.RetryCount, reason)
}

// RecoverStale returns RUNNING jobs claimed under this store's identity, or
// locked longer than StaleAfter, to PENDING. Run it before workers start.
func (s *Store) RecoverStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE resqued_jobs
		SET status = 'PENDING',
		    locked_by = NULL,
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE status = 'RUNNING'
		  AND (locked_by = $1 OR locked_at < NOW() - make_interval(secs => $2))
	`

	res, err := s.db.ExecContext(ctx, query, s.identity, s.staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return n, nil
}

// QueueSizes counts PENDING jobs per queue
func (s *Store) QueueSizes(ctx context.Context, queues []string) (map[string]int, error) {
	query := `
		SELECT queue, COUNT(*) AS size
		FROM resqued_jobs
		WHERE status = 'PENDING'
		  AND queue = ANY($1)
		GROUP BY queue
	`

	var rows []struct {
		Queue string `db:"queue"`
		Size  int    `db:"size"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(queues)); err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}

	sizes := make(map[string]int, len(queues))
	for _, q := range queues {
		sizes[q] = 0
	}
	for _, r := range rows {
		sizes[r.Queue] = r.Size
	}
	return sizes, nil
}

// ListJobs pages through jobs newest first, optionally filtered
func (s *Store) ListJobs(ctx context.Context, filter queue.JobFilter) ([]queue.JobRecord, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	q := s.builder.
		Select(returningColumns).
		From(table).
		OrderBy("enqueued_at DESC", "id DESC").
		Limit(uint64(pageSize))

	if filter.Queue != "" {
		q = q.Where(sq.Eq{"queue": filter.Queue})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Class != "" {
		q = q.Where(sq.Eq{"class": filter.Class})
	}
	if filter.Cursor != nil {
		q = q.Where(sq.Expr("(enqueued_at, id) < (?, ?)", filter.Cursor.EnqueuedAt, filter.Cursor.JobID))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job listing query: %w", err)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]queue.JobRecord, 0, len(rows))
	for i := range rows {
		out = append(out, queue.JobRecord{
			Job:       *rows[i].job(),
			Status:    rows[i].Status,
			UpdatedAt: rows[i].UpdatedAt,
		})
	}
	return out, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database handle belongs to the caller
func (s *Store) Close() error {
	return nil
}
