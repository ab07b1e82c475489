// Package rabbitmq runs job queues on RabbitMQ. Each job queue gets a
// companion ".delay" queue for retry backoff and a ".dead" queue for jobs
// that exhausted their retries.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/resqued/internal/queue"
	"github.com/cuongbtq/resqued/internal/worker/domain"
	rmq "github.com/cuongbtq/resqued/shared/rabbitmq"
)

// maxAckedIDs bounds the ids remembered for idempotent Ack
const maxAckedIDs = 1024

// amqpClient is the subset of the shared RabbitMQ client the broker uses
type amqpClient interface {
	DeclareQueue(name string) error
	PublishWithRetry(ctx context.Context, queue string, body []byte, delay time.Duration) error
	Get(queue string) (rmq.Message, bool, error)
	Ack(tag uint64) error
	Nack(tag uint64) error
	Republish(ctx context.Context, tag uint64, queue string, body []byte, delay time.Duration) error
	QueueDepth(queue string) (int, error)
	IsConnected() bool
	Close() error
}

// Broker implements queue.Client on top of basic.get
type Broker struct {
	client   amqpClient
	logger   *slog.Logger
	pollStep time.Duration

	mu       sync.Mutex
	inflight map[string]uint64
	acked    map[string]struct{}
	ackOrder []string
}

var (
	_ queue.Client    = (*Broker)(nil)
	_ queue.Inspector = (*Broker)(nil)
	_ queue.Pinger    = (*Broker)(nil)
)

// New wraps client; the broker closes it on Close
func New(client amqpClient, pollStep time.Duration, logger *slog.Logger) *Broker {
	if pollStep <= 0 {
		pollStep = 100 * time.Millisecond
	}
	return &Broker{
		client:   client,
		logger:   logger,
		pollStep: pollStep,
		inflight: make(map[string]uint64),
		acked:    make(map[string]struct{}),
	}
}

// Enqueue publishes job to its queue
func (b *Broker) Enqueue(ctx context.Context, job *domain.Job) error {
	if err := b.client.DeclareQueue(job.Queue); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.client.PublishWithRetry(ctx, job.Queue, body, 0); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue polls queue every pollStep until a message arrives or timeout
// passes. Returns (nil, nil) on timeout or when ctx ends.
func (b *Broker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*domain.Job, error) {
	if err := b.client.DeclareQueue(queueName); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		job, err := b.fetch(ctx, queueName)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > b.pollStep {
			wait = b.pollStep
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

// fetch gets one message. Bodies that do not decode are moved to the dead
// queue as-is and reported as an empty poll.
func (b *Broker) fetch(ctx context.Context, queueName string) (*domain.Job, error) {
	msg, ok, err := b.client.Get(queueName)
	if err != nil || !ok {
		return nil, err
	}

	job, err := decodeJob(queueName, msg.Body)
	if err != nil {
		b.logger.Error("Dropping undecodable message to dead queue",
			slog.String("queue", queueName),
			slog.Any("error", err),
		)
		if err := b.client.Republish(ctx, msg.Tag, queueName+rmq.DeadSuffix, msg.Body, 0); err != nil {
			return nil, fmt.Errorf("failed to dead-letter message: %w", err)
		}
		return nil, nil
	}

	b.mu.Lock()
	b.inflight[job.ID] = msg.Tag
	b.mu.Unlock()

	return job, nil
}

// take removes job from the in-flight set
func (b *Broker) take(op string, job *domain.Job) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tag, ok := b.inflight[job.ID]
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", op, job.ID, domain.ErrJobNotInFlight)
	}
	delete(b.inflight, job.ID)
	return tag, nil
}

// Ack acknowledges the job's delivery. Acking twice is a no-op.
func (b *Broker) Ack(_ context.Context, job *domain.Job) error {
	b.mu.Lock()
	if _, ok := b.acked[job.ID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	tag, err := b.take("ack", job)
	if err != nil {
		return err
	}
	if err := b.client.Ack(tag); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	b.mu.Lock()
	b.acked[job.ID] = struct{}{}
	b.ackOrder = append(b.ackOrder, job.ID)
	if len(b.ackOrder) > maxAckedIDs {
		delete(b.acked, b.ackOrder[0])
		b.ackOrder = b.ackOrder[1:]
	}
	b.mu.Unlock()
	return nil
}

// Requeue publishes the updated job through the delay queue and acks the
// original delivery. Delays expire in publish order per queue, so a short
// delay queued behind a longer one waits for it.
func (b *Broker) Requeue(ctx context.Context, job *domain.Job, delay time.Duration) error {
	return b.republish(ctx, "requeue", job, job.Queue, delay)
}

// DeadLetter moves the job to its queue's dead queue with reason recorded
func (b *Broker) DeadLetter(ctx context.Context, job *domain.Job, reason string) error {
	dead := job.Clone()
	dead.LastError = reason
	return b.republish(ctx, "dead-letter", dead, job.Queue+rmq.DeadSuffix, 0)
}

func (b *Broker) republish(ctx context.Context, op string, job *domain.Job, target string, delay time.Duration) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}

	tag, err := b.take(op, job)
	if err != nil {
		return err
	}
	if err := b.client.Republish(ctx, tag, target, body, delay); err != nil {
		// still unacked on the channel; keep it so Close can return it
		b.mu.Lock()
		b.inflight[job.ID] = tag
		b.mu.Unlock()
		return fmt.Errorf("failed to %s job %s: %w", op, job.ID, err)
	}
	return nil
}

// QueueSizes reports ready messages per queue; delayed ones are not counted
func (b *Broker) QueueSizes(_ context.Context, queues []string) (map[string]int, error) {
	sizes := make(map[string]int, len(queues))
	for _, q := range queues {
		if err := b.client.DeclareQueue(q); err != nil {
			return nil, err
		}
		n, err := b.client.QueueDepth(q)
		if err != nil {
			return nil, err
		}
		sizes[q] = n
	}
	return sizes, nil
}

// Ping reports whether the channel is still open
func (b *Broker) Ping(context.Context) error {
	if !b.client.IsConnected() {
		return rmq.ErrNotConnected
	}
	return nil
}

// Close returns unsettled deliveries to their queues and closes the client
func (b *Broker) Close() error {
	b.mu.Lock()
	tags := make([]uint64, 0, len(b.inflight))
	for id, tag := range b.inflight {
		tags = append(tags, tag)
		delete(b.inflight, id)
	}
	b.mu.Unlock()

	for _, tag := range tags {
		if err := b.client.Nack(tag); err != nil {
			b.logger.Warn("Failed to return delivery", slog.Uint64("tag", tag), slog.Any("error", err))
		}
	}
	return b.client.Close()
}
