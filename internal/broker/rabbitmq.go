package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitConfig holds connection and topology settings for the AMQP backend.
type RabbitConfig struct {
	Host                 string
	Port                 int
	User                 string
	Password             string
	VHost                string
	Exchange             string
	ExchangeType         string
	Queue                string
	RoutingKey           string
	Prefetch             int
	ConnectRetryAttempts int
	ConnectRetryInterval time.Duration
	Heartbeat            time.Duration
	PublishRetries       int
	PublishRetryDelay    time.Duration
}

// Rabbit is the topic-exchange Broker backend: durable exchange + durable
// queue bound by routing key, persistent deliveries, manual ack with QoS
// prefetch. Connection loss triggers reconnect-and-resume; undelivered
// persistent messages survive on the broker.
type Rabbit struct {
	cfg    RabbitConfig
	logger *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	topologyDone bool
	closed       bool

	inFlight atomic.Int64
}

// NewRabbit connects to RabbitMQ with the configured retry policy.
func NewRabbit(cfg RabbitConfig, logger *slog.Logger) (*Rabbit, error) {
	b := &Rabbit{cfg: cfg, logger: logger}
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("failed to create rabbitmq broker: %w", err)
	}
	return b, nil
}

func (b *Rabbit) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		b.cfg.User, b.cfg.Password, b.cfg.Host, b.cfg.Port, b.cfg.VHost)
}

// connect establishes the connection and channel with retry and backoff.
// Callers must not hold b.mu.
func (b *Rabbit) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

func (b *Rabbit) connectLocked() error {
	attempts := b.cfg.ConnectRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := b.cfg.ConnectRetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	amqpConfig := amqp.Config{
		Heartbeat: b.cfg.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		b.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		b.conn, err = amqp.DialConfig(b.dsn(), amqpConfig)
		if err == nil {
			break
		}

		b.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(interval * time.Duration(attempt))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	b.channel, err = b.conn.Channel()
	if err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// Topology must be re-declared on a fresh channel.
	b.topologyDone = false

	b.logger.Info("RabbitMQ connection established",
		slog.String("exchange", b.cfg.Exchange),
		slog.String("queue", b.cfg.Queue),
	)
	return nil
}

func (b *Rabbit) EnsureTopology(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureTopologyLocked()
}

func (b *Rabbit) ensureTopologyLocked() error {
	if b.topologyDone {
		return nil
	}
	if b.channel == nil {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	exchangeType := b.cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = "topic"
	}

	err := b.channel.ExchangeDeclare(
		b.cfg.Exchange, // name
		exchangeType,   // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = b.channel.QueueDeclare(
		b.cfg.Queue, // name
		true,        // durable
		false,       // auto-delete
		false,       // exclusive
		false,       // no-wait
		amqp.Table{"x-max-priority": int32(10)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = b.channel.QueueBind(
		b.cfg.Queue,      // queue name
		b.cfg.RoutingKey, // routing key
		b.cfg.Exchange,   // exchange
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	b.topologyDone = true
	return nil
}

// Depth reports the queue's ready backlog. InFlight counts only deliveries
// held unacked by this process: AMQP exposes no cross-process unacked count,
// that would need the management API. In the API service, which consumes
// nothing, InFlight therefore reads 0 even while workers hold messages.
func (b *Rabbit) Depth(ctx context.Context) (Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return Depth{}, fmt.Errorf("not connected to RabbitMQ")
	}
	if err := b.ensureTopologyLocked(); err != nil {
		return Depth{}, err
	}

	q, err := b.channel.QueueInspect(b.cfg.Queue)
	if err != nil {
		return Depth{}, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return Depth{
		Pending:  q.Messages,
		InFlight: int(b.inFlight.Load()),
	}, nil
}

func (b *Rabbit) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	retries := b.cfg.PublishRetries
	if retries < 0 {
		retries = 0
	}
	delay := b.cfg.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = b.publishOnce(ctx, body, opts)
		if lastErr == nil {
			if attempt > 0 {
				b.logger.Info("Message published to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		if attempt < retries {
			backoff := delay * time.Duration(uint(1)<<uint(attempt))
			b.logger.Warn("Failed to publish message, retrying",
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoff),
				slog.Any("error", lastErr),
			)
			time.Sleep(backoff)
		}
	}

	b.logger.Error("Failed to publish message to RabbitMQ",
		slog.Int("attempts", retries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, lastErr)
}

func (b *Rabbit) publishOnce(ctx context.Context, body []byte, opts PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if err := b.ensureTopologyLocked(); err != nil {
		return err
	}

	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	return b.channel.PublishWithContext(
		ctx,
		b.cfg.Exchange,   // exchange
		b.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(priority),
			MessageId:    opts.DedupKey,
			Timestamp:    time.Now(),
		},
	)
}

func (b *Rabbit) Consume(ctx context.Context, fn Handler) error {
	deliveries, err := b.startConsumer()
	if err != nil {
		return err
	}

	go b.consumeLoop(ctx, fn, deliveries)
	return nil
}

func (b *Rabbit) startConsumer() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}
	if err := b.ensureTopologyLocked(); err != nil {
		return nil, err
	}

	prefetch := b.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := b.channel.Consume(
		b.cfg.Queue, // queue
		"",          // consumer tag (server-generated)
		false,       // auto-ack: manual acknowledgment only
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("RabbitMQ consumer started",
		slog.String("queue", b.cfg.Queue),
		slog.Int("prefetch", prefetch),
	)
	return deliveries, nil
}

// consumeLoop dispatches deliveries and reconnects when the channel drops.
func (b *Rabbit) consumeLoop(ctx context.Context, fn Handler, deliveries <-chan amqp.Delivery) {
	for {
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("RabbitMQ consumer stopped - context canceled")
				return
			case d, ok := <-deliveries:
				if !ok {
					deliveries = nil
				} else {
					b.dispatch(ctx, fn, d)
				}
			}
			if deliveries == nil {
				break
			}
		}

		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		b.logger.Warn("RabbitMQ delivery channel closed, reconnecting")

		if err := b.connect(); err != nil {
			b.logger.Error("Failed to reconnect to RabbitMQ",
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.ConnectRetryInterval):
			}
			continue
		}

		next, err := b.startConsumer()
		if err != nil {
			b.logger.Error("Failed to resume RabbitMQ consumer",
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.ConnectRetryInterval):
			}
			continue
		}
		deliveries = next
	}
}

func (b *Rabbit) dispatch(ctx context.Context, fn Handler, d amqp.Delivery) {
	b.inFlight.Add(1)
	var once sync.Once

	settle := func(f func() error) error {
		var err error
		once.Do(func() {
			b.inFlight.Add(-1)
			err = f()
		})
		return err
	}

	fn(ctx, Delivery{
		Body: d.Body,
		Ack: func() error {
			return settle(func() error { return d.Ack(false) })
		},
		Nack: func(requeue bool) error {
			return settle(func() error { return d.Nack(false, requeue) })
		},
	})
}

func (b *Rabbit) Health(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (b *Rabbit) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			b.conn = nil
			return err
		}
		b.conn = nil
	}

	b.logger.Info("RabbitMQ connection closed")
	return nil
}
