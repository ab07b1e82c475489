package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/resqued/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", json.RawMessage(fmt.Sprintf("[%d]", i)))))
	}

	for i := 0; i < 3; i++ {
		job, err := m.Dequeue(ctx, "q1", 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.JSONEq(t, fmt.Sprintf("[%d]", i), string(job.Args))
	}

	assert.Equal(t, 3, m.InFlight())
	assert.Equal(t, 0, m.Len("q1"))
}

func TestMemory_DequeueTimeoutIsNotAnError(t *testing.T) {
	m := NewMemory()

	start := time.Now()
	job, err := m.Dequeue(context.Background(), "empty", 50*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemory_DequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", nil))
	}()

	start := time.Now()
	job, err := m.Dequeue(ctx, "q1", 2*time.Second)

	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemory_DequeueReturnsOnContextCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	job, err := m.Dequeue(ctx, "q1", 5*time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMemory_NoConcurrentDoubleDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const jobs = 200
	for i := 0; i < jobs; i++ {
		require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", nil)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := m.Dequeue(ctx, "q1", 10*time.Millisecond)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				_ = m.Ack(ctx, job)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestMemory_AckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", nil)))

	job, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)

	require.NoError(t, m.Ack(ctx, job))
	require.NoError(t, m.Ack(ctx, job))
	assert.Equal(t, 0, m.InFlight())
}

func TestMemory_SettleUnknownJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := domain.NewJob("q1", "SleepJob", nil)

	assert.ErrorIs(t, m.Ack(ctx, job), domain.ErrJobNotInFlight)
	assert.ErrorIs(t, m.Requeue(ctx, job, 0), domain.ErrJobNotInFlight)
	assert.ErrorIs(t, m.DeadLetter(ctx, job, "boom"), domain.ErrJobNotInFlight)
}

func TestMemory_RequeueWithDelay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", nil)))

	job, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)

	job.RetryCount = 1
	require.NoError(t, m.Requeue(ctx, job, 80*time.Millisecond))

	// not visible before the delay elapses
	again, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	assert.Nil(t, again)

	again, err = m.Dequeue(ctx, "q1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.RetryCount)
}

func TestMemory_DelayedJobDoesNotBlockReadyOnes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "First", nil)))

	first, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	require.NoError(t, m.Requeue(ctx, first, time.Hour))
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "Second", nil)))

	job, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "Second", job.Class)
}

func TestMemory_DeadLetter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("q1", "SleepJob", json.RawMessage(`"x"`))))

	job, err := m.Dequeue(ctx, "q1", 0)
	require.NoError(t, err)
	require.NoError(t, m.DeadLetter(ctx, job, "max retries exceeded"))

	dead := m.Dead("q1")
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, "max retries exceeded", dead[0].LastError)
	assert.Equal(t, 0, m.InFlight())
}

func TestMemory_QueueSizesAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("a", "SleepJob", nil)))
	require.NoError(t, m.Enqueue(ctx, domain.NewJob("a", "SleepJob", nil)))

	sizes, err := m.QueueSizes(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 2, "b": 0}, sizes)

	require.NoError(t, m.Close())
	assert.Error(t, m.Enqueue(ctx, domain.NewJob("a", "SleepJob", nil)))
	_, err = m.Dequeue(ctx, "a", 0)
	assert.Error(t, err)
}
