package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the channel has been closed
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Queue name suffixes for the companion queues declared next to each job queue
const (
	DelaySuffix = ".delay"
	DeadSuffix  = ".dead"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueDurable       bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Message is a single delivery fetched with Get
type Message struct {
	Tag  uint64
	Body []byte
}

// Client represents a RabbitMQ client
type Client struct {
	config *Config
	conn   *amqp.Connection
	logger *slog.Logger

	// mu serialises channel use
	mu          sync.Mutex
	channel     *amqp.Channel
	closeChan   chan *amqp.Error
	isConnected bool
	declared    map[string]struct{}
}

// NewClient creates a new RabbitMQ client and declares the job exchange
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:   config,
		logger:   logger,
		declared: make(map[string]struct{}),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Monitor connection
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true
	go c.watch()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
	)

	return nil
}

func (c *Client) watch() {
	amqpErr, ok := <-c.closeChan
	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed", slog.String("reason", amqpErr.Reason))
	}
}

// DeclareQueue declares name, its delay queue and its dead-letter queue, and
// binds name and its dead-letter queue to the exchange. Expired messages in
// the delay queue are routed back to name.
func (c *Client) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		return ErrNotConnected
	}
	if _, ok := c.declared[name]; ok {
		return nil
	}

	queues := []struct {
		name string
		args amqp.Table
		bind bool
	}{
		{name: name, bind: true},
		{name: name + DeadSuffix, bind: true},
		{name: name + DelaySuffix, args: amqp.Table{
			"x-dead-letter-exchange":    c.config.ExchangeName,
			"x-dead-letter-routing-key": name,
		}},
	}

	for _, q := range queues {
		_, err := c.channel.QueueDeclare(
			q.name,                // name
			c.config.QueueDurable, // durable
			false,                 // auto-delete
			false,                 // exclusive
			false,                 // no-wait
			q.args,                // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if !q.bind {
			continue
		}

		err = c.channel.QueueBind(
			q.name,                // queue name
			q.name,                // routing key
			c.config.ExchangeName, // exchange
			false,                 // no-wait
			nil,                   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}
	}

	c.declared[name] = struct{}{}
	c.logger.Debug("Queue declared", slog.String("queue", name))
	return nil
}

// Publish publishes body to queue. A positive delay parks the message in the
// queue's delay queue until it expires.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.publish(ctx, queue, body, delay)
}

// publish must be called with mu held
func (c *Client) publish(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if !c.isConnected {
		return ErrNotConnected
	}

	exchange, key := c.config.ExchangeName, queue
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		// the delay queue is unbound; publish through the default exchange
		exchange, key = "", queue+DelaySuffix
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	err := c.channel.PublishWithContext(
		ctx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.Int("body_size", len(body)),
		slog.Duration("delay", delay),
	)
	return nil
}

// PublishWithRetry publishes a message to RabbitMQ with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	backoffDelay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.Publish(ctx, queue, body, delay)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(body)),
				)
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrNotConnected) {
			break
		}

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)

			timer := time.NewTimer(backoffDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoffDelay = time.Duration(float64(backoffDelay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.String("queue", queue),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after retries: %w", lastErr)
}

// Get fetches one message from queue without auto-ack. ok is false when the
// queue is empty.
func (c *Client) Get(queue string) (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		return Message{}, false, ErrNotConnected
	}

	d, ok, err := c.channel.Get(queue, false)
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to get message: %w", err)
	}
	if !ok {
		return Message{}, false, nil
	}
	return Message{Tag: d.DeliveryTag, Body: d.Body}, true, nil
}

// Ack acknowledges a delivery
func (c *Client) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		return ErrNotConnected
	}
	return c.channel.Ack(tag, false)
}

// Nack returns a delivery to its queue
func (c *Client) Nack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		return ErrNotConnected
	}
	return c.channel.Nack(tag, false, true)
}

// Republish publishes body to queue and acks tag while holding the channel,
// so no other caller interleaves between the two
func (c *Client) Republish(ctx context.Context, tag uint64, queue string, body []byte, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.publish(ctx, queue, body, delay); err != nil {
		return err
	}
	return c.channel.Ack(tag, false)
}

// QueueDepth returns the number of ready messages in queue
func (c *Client) QueueDepth(queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		return 0, ErrNotConnected
	}

	q, err := c.channel.QueueDeclarePassive(queue, c.config.QueueDurable, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
