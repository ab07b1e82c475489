package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/resqued/internal/jobs"
	"github.com/cuongbtq/resqued/internal/metrics"
	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, extra map[string]jobs.Performer) *jobs.Registry {
	t.Helper()
	r := jobs.NewRegistry()
	require.NoError(t, jobs.RegisterBuiltins(r, discardLogger()))
	for class, p := range extra {
		require.NoError(t, r.Register(class, p))
	}
	return r
}

func newTestPool(t *testing.T, client queue.Client, reg *jobs.Registry, mutate func(*PoolConfig)) *Pool {
	t.Helper()
	cfg := &PoolConfig{
		Size:         1,
		Queues:       []string{"q1"},
		PollInterval: 50 * time.Millisecond,
		Client:       client,
		Registry:     reg,
		Retry:        RetryPolicy{MaxRetries: 4, InitialDelay: time.Second, MaxDelay: 5 * time.Minute},
		Logger:       discardLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	p, err := NewPool(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.StopAll(ctx, false)
	})
	return p
}

// blockingJob runs until released or its context ends
type blockingJob struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingJob() *blockingJob {
	return &blockingJob{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingJob) Perform(ctx context.Context, _ json.RawMessage) error {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// panicOnceClient panics on its first Dequeue, simulating a worker crash
type panicOnceClient struct {
	queue.Client
	panicked atomic.Bool
}

func (c *panicOnceClient) Dequeue(ctx context.Context, q string, timeout time.Duration) (*domain.Job, error) {
	if c.panicked.CompareAndSwap(false, true) {
		panic("connection state corrupted")
	}
	return c.Client.Dequeue(ctx, q, timeout)
}

// hookClient runs afterDequeue whenever a job is handed out
type hookClient struct {
	queue.Client
	afterDequeue func()
}

func (c *hookClient) Dequeue(ctx context.Context, q string, timeout time.Duration) (*domain.Job, error) {
	job, err := c.Client.Dequeue(ctx, q, timeout)
	if job != nil && c.afterDequeue != nil {
		c.afterDequeue()
	}
	return job, err
}

func TestNewPool_Validation(t *testing.T) {
	reg := newRegistry(t, nil)
	store := queue.NewMemory()

	_, err := NewPool(&PoolConfig{Size: 0, Queues: []string{"q"}, Client: store, Registry: reg})
	assert.Error(t, err)

	_, err = NewPool(&PoolConfig{Size: 1, Client: store, Registry: reg})
	assert.Error(t, err)

	_, err = NewPool(&PoolConfig{Size: 1, Queues: []string{"q"}, Registry: reg})
	assert.Error(t, err)
}

func TestPool_SpawnIdleWorkersOnQueue(t *testing.T) {
	p := newTestPool(t, queue.NewMemory(), newRegistry(t, nil), func(c *PoolConfig) {
		c.Size = 3
		c.PollInterval = 500 * time.Millisecond
	})

	require.NoError(t, p.Start())
	assert.Error(t, p.Spawn(), "second spawn must fail")

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 3)
	for i, info := range snapshot {
		assert.Equal(t, i, info.ID)
		assert.Equal(t, "q1", info.Queue)
		assert.Equal(t, domain.WorkerIdle, info.State)
		assert.Nil(t, info.CurrentJob)
	}
}

func TestPool_SpawnRoundRobin(t *testing.T) {
	p := newTestPool(t, queue.NewMemory(), newRegistry(t, nil), func(c *PoolConfig) {
		c.Size = 5
		c.Queues = []string{"critical", "default"}
	})
	require.NoError(t, p.Spawn())

	var queues []string
	for _, w := range p.Workers() {
		queues = append(queues, w.Queue())
	}
	assert.Equal(t, []string{"critical", "default", "critical", "default", "critical"}, queues)
	assert.Equal(t, []string{"critical", "default"}, p.Queues())
	assert.Equal(t, 5, p.Size())
}

func TestWorker_FailedJobIsRequeued(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	m := metrics.New()
	p := newTestPool(t, store, newRegistry(t, nil), func(c *PoolConfig) { c.Metrics = m })

	job := domain.NewJob("q1", jobs.ClassSleep, json.RawMessage(`"x"`))
	require.NoError(t, store.Enqueue(ctx, job))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		pending := store.Pending("q1")
		return len(pending) == 1 && pending[0].RetryCount == 1 && store.InFlight() == 0
	}, waitFor, tick)

	requeued := store.Pending("q1")[0]
	assert.Equal(t, job.ID, requeued.ID)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Contains(t, requeued.LastError, "sleep expects")

	require.Eventually(t, func() bool {
		return p.Workers()[0].State() == domain.WorkerIdle
	}, waitFor, tick)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsRetried.WithLabelValues("q1")))
	assert.Empty(t, store.Dead("q1"))
}

func TestWorker_SuccessfulJobIsAcked(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	p := newTestPool(t, store, newRegistry(t, nil), nil)

	require.NoError(t, store.Enqueue(ctx, domain.NewJob("q1", jobs.ClassSleep, json.RawMessage(`[0.01]`))))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		return p.Workers()[0].Processed() == 1
	}, waitFor, tick)
	assert.Equal(t, 0, store.InFlight())
	assert.Equal(t, 0, store.Len("q1"))
}

func TestWorker_DeadLetterAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	failing := jobs.PerformerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("downstream unavailable")
	})
	m := metrics.New()
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Flaky": failing}), func(c *PoolConfig) {
		c.Retry = RetryPolicy{MaxRetries: 2}
		c.Metrics = m
	})

	require.NoError(t, store.Enqueue(ctx, domain.NewJob("q1", "Flaky", nil)))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return len(store.Dead("q1")) == 1 }, waitFor, tick)

	dead := store.Dead("q1")[0]
	assert.Equal(t, 3, dead.RetryCount)
	assert.Contains(t, dead.LastError, domain.ErrMaxRetriesExceeded.Error())
	assert.Equal(t, 0, store.Len("q1"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobsDead.WithLabelValues("q1")) == 1
	}, waitFor, tick)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.JobsFailed.WithLabelValues("q1", "Flaky")))
}

func TestWorker_PerJobMaxRetriesOverridesPolicy(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	failing := jobs.PerformerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("nope")
	})
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Flaky": failing}), func(c *PoolConfig) {
		c.Retry = RetryPolicy{MaxRetries: 10}
	})

	job := domain.NewJob("q1", "Flaky", nil)
	job.MaxRetries = 1
	require.NoError(t, store.Enqueue(ctx, job))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return len(store.Dead("q1")) == 1 }, waitFor, tick)
	assert.Equal(t, 2, store.Dead("q1")[0].RetryCount)
}

func TestWorker_NonRetryableFailures(t *testing.T) {
	tests := []struct {
		name  string
		class string
		args  json.RawMessage
		want  string
	}{
		{name: "unknown class", class: "NoSuchJob", want: domain.ErrUnknownJobClass.Error()},
		{name: "malformed args", class: jobs.ClassEcho, args: json.RawMessage(`{oops`), want: domain.ErrInvalidPayload.Error()},
		{name: "permanent error", class: jobs.ClassSleep, args: json.RawMessage(`[7200]`), want: "permanent error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := queue.NewMemory()
			p := newTestPool(t, store, newRegistry(t, nil), nil)

			require.NoError(t, store.Enqueue(ctx, domain.NewJob("q1", tt.class, tt.args)))
			require.NoError(t, p.Start())

			require.Eventually(t, func() bool { return len(store.Dead("q1")) == 1 }, waitFor, tick)
			dead := store.Dead("q1")[0]
			assert.Equal(t, 1, dead.RetryCount)
			assert.Contains(t, dead.LastError, tt.want)
		})
	}
}

func TestWorker_PanicInPerformIsAJobFailure(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	boom := jobs.PerformerFunc(func(context.Context, json.RawMessage) error {
		panic("nil map write")
	})
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Boom": boom}), nil)

	require.NoError(t, store.Enqueue(ctx, domain.NewJob("q1", "Boom", nil)))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		pending := store.Pending("q1")
		return len(pending) == 1 && pending[0].RetryCount == 1
	}, waitFor, tick)
	assert.Contains(t, store.Pending("q1")[0].LastError, domain.ErrPerformPanic.Error())

	w := p.Workers()[0]
	assert.NotEqual(t, domain.WorkerDead, w.State())
	assert.Zero(t, p.Restarts())
}

func TestPool_GracefulStopWaitsForRunningJob(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	blocking := newBlockingJob()
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Block": blocking}), nil)

	require.NoError(t, store.Enqueue(ctx, domain.NewJob("q1", "Block", nil)))
	require.NoError(t, p.Start())

	<-blocking.started
	require.Equal(t, domain.WorkerRunning, p.Workers()[0].State())

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- p.StopAll(stopCtx, true)
	}()

	select {
	case err := <-stopped:
		t.Fatalf("StopAll returned before the job finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, domain.WorkerStopping, p.Workers()[0].State())

	close(blocking.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("StopAll did not return after the job finished")
	}

	w := p.Workers()[0]
	assert.Equal(t, domain.WorkerDead, w.State())
	assert.Equal(t, int64(1), w.Processed())
	assert.Equal(t, 0, store.InFlight())
	assert.Equal(t, 0, store.Len("q1"))
}

func TestPool_ForcedStopRequeuesRunningJob(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	blocking := newBlockingJob()
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Block": blocking}), nil)

	job := domain.NewJob("q1", "Block", nil)
	require.NoError(t, store.Enqueue(ctx, job))
	require.NoError(t, p.Start())
	<-blocking.started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.StopAll(stopCtx, true)

	var timeoutErr *domain.ShutdownTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Len(t, timeoutErr.Abandoned, 1)
	assert.Contains(t, timeoutErr.Abandoned[0], job.ID)

	pending := store.Pending("q1")
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Contains(t, pending[0].LastError, domain.ErrJobAbandoned.Error())

	// the cancelled job returns and the worker exits without settling twice
	require.Eventually(t, func() bool {
		return p.Workers()[0].State() == domain.WorkerDead
	}, waitFor, tick)
	assert.Equal(t, 0, store.InFlight())
	assert.Len(t, store.Pending("q1"), 1)
}

func TestPool_NonGracefulStopOfIdleWorkers(t *testing.T) {
	p := newTestPool(t, queue.NewMemory(), newRegistry(t, nil), func(c *PoolConfig) {
		c.Size = 2
		c.PollInterval = time.Second
	})
	require.NoError(t, p.Start())

	// idle workers hold no job, so nothing is forced
	require.NoError(t, p.StopAll(context.Background(), false))

	for _, w := range p.Workers() {
		assert.Equal(t, domain.WorkerDead, w.State(), w.Name())
	}
}

func TestPool_RestartsCrashedWorker(t *testing.T) {
	client := &panicOnceClient{Client: queue.NewMemory()}
	m := metrics.New()
	interval := 500 * time.Millisecond
	p := newTestPool(t, client, newRegistry(t, nil), func(c *PoolConfig) {
		c.PollInterval = interval
		c.Metrics = m
	})

	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.Restarts() == 1 }, interval, tick)

	w := p.Workers()[0]
	assert.Equal(t, "q1", w.Queue())
	assert.Equal(t, 0, w.ID())
	assert.NotEqual(t, domain.WorkerDead, w.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerRestarts.WithLabelValues("q1")))
}

func TestPool_NoRestartAfterStop(t *testing.T) {
	p := newTestPool(t, queue.NewMemory(), newRegistry(t, nil), nil)
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.StopAll(ctx, true))

	// stopped workers are not crashes
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p.Restarts())
	assert.Error(t, p.Spawn())
}

func TestWorker_JobReceivedAfterStopIsReleased(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	blocking := newBlockingJob()
	reg := newRegistry(t, map[string]jobs.Performer{"Block": blocking})

	var w *Worker
	client := &hookClient{Client: store, afterDequeue: func() { w.Stop() }}
	w = NewWorker(&Config{
		ID:           0,
		Queue:        "q1",
		PollInterval: 50 * time.Millisecond,
		Client:       client,
		Registry:     reg,
		Retry:        RetryPolicy{MaxRetries: 4},
		Logger:       discardLogger(),
	})

	job := domain.NewJob("q1", "Block", nil)
	require.NoError(t, store.Enqueue(ctx, job))

	require.NoError(t, w.Run())

	assert.Equal(t, domain.WorkerDead, w.State())
	assert.Zero(t, blocking.calls.Load())

	pending := store.Pending("q1")
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestWorker_Info(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemory()
	blocking := newBlockingJob()
	p := newTestPool(t, store, newRegistry(t, map[string]jobs.Performer{"Block": blocking}), func(c *PoolConfig) {
		c.Name = "gen1"
	})

	job := domain.NewJob("q1", "Block", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, store.Enqueue(ctx, job))
	require.NoError(t, p.Start())
	<-blocking.started

	info := p.Snapshot()[0]
	assert.Equal(t, "gen1-0", info.Name)
	assert.Equal(t, domain.WorkerRunning, info.State)
	require.NotNil(t, info.CurrentJob)
	assert.Equal(t, job.ID, info.CurrentJob.ID)
	assert.NotNil(t, info.RunningSince)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"running"`)

	close(blocking.release)
}
