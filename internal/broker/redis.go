package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// priorityBias spaces priority levels far enough apart in the score domain
// (milliseconds) that a higher-priority message always sorts before any
// lower-priority one regardless of enqueue time.
const priorityBias = 1e13

// RedisConfig holds settings for the persistent sorted-list backend.
type RedisConfig struct {
	KeyPrefix         string
	Prefetch          int
	VisibilityTimeout time.Duration
	ReclaimInterval   time.Duration
	PopTimeout        time.Duration
}

// Redis is the sorted-list Broker backend. Pending messages live in a ZSET
// ordered by priority then enqueue time; consumed messages move to an
// in-flight ZSET scored by a visibility deadline. There is no explicit
// broker-side ack: Ack removes the in-flight entry, and a reclaim loop
// requeues entries whose deadline passed (consumer died mid-message).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu           sync.Mutex
	topologyDone bool
}

// NewRedisBroker creates a Redis-backed broker on an existing client.
func NewRedisBroker(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "jobs"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

func (b *Redis) pendingKey() string  { return b.cfg.KeyPrefix + ":pending" }
func (b *Redis) inflightKey() string { return b.cfg.KeyPrefix + ":inflight" }
func (b *Redis) bodiesKey() string   { return b.cfg.KeyPrefix + ":bodies" }

// PendingScore computes the sorted-set score for a message: enqueue time in
// milliseconds pushed down by the priority hint so higher priority pops first.
func PendingScore(now time.Time, priority int) float64 {
	return float64(now.UnixMilli()) - float64(priority)*priorityBias
}

func (b *Redis) EnsureTopology(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topologyDone {
		return nil
	}
	// A sorted set needs no declaration; verifying connectivity is the whole
	// setup. Only a successful ping latches, so transient failures retry.
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	b.topologyDone = true
	return nil
}

func (b *Redis) Depth(ctx context.Context) (Depth, error) {
	pipe := b.client.Pipeline()
	pending := pipe.ZCard(ctx, b.pendingKey())
	inflight := pipe.ZCard(ctx, b.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Pending:  int(pending.Val()),
		InFlight: int(inflight.Val()),
	}, nil
}

func (b *Redis) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	if err := b.EnsureTopology(ctx); err != nil {
		return err
	}

	member := opts.DedupKey
	if member == "" {
		member = uuid.New().String()
	}

	// Same dedup key -> same sorted-set member: re-publishing a logical job
	// updates its position instead of duplicating it.
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.bodiesKey(), member, body)
	pipe.ZAdd(ctx, b.pendingKey(), redis.Z{
		Score:  PendingScore(time.Now(), opts.Priority),
		Member: member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("Message published to redis queue",
		slog.String("member", member),
		slog.Int("priority", opts.Priority),
	)
	return nil
}

func (b *Redis) Consume(ctx context.Context, fn Handler) error {
	if err := b.EnsureTopology(ctx); err != nil {
		return err
	}

	// Prefetch: at most N unacknowledged messages per consumer process.
	slots := make(chan struct{}, b.cfg.Prefetch)
	for i := 0; i < b.cfg.Prefetch; i++ {
		slots <- struct{}{}
	}

	go b.popLoop(ctx, fn, slots)
	go b.reclaimLoop(ctx)

	b.logger.Info("Redis consumer started",
		slog.String("queue", b.pendingKey()),
		slog.Int("prefetch", b.cfg.Prefetch),
		slog.Duration("visibility_timeout", b.cfg.VisibilityTimeout),
	)
	return nil
}

func (b *Redis) popLoop(ctx context.Context, fn Handler, slots chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-slots:
		}

		member, ok := b.popOne(ctx)
		if !ok {
			slots <- struct{}{}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		body, err := b.client.HGet(ctx, b.bodiesKey(), member).Bytes()
		if err != nil {
			// Body lost (already acked elsewhere or expired): drop the claim.
			b.client.ZRem(ctx, b.inflightKey(), member)
			slots <- struct{}{}
			if !errors.Is(err, redis.Nil) {
				b.logger.Error("Failed to load message body",
					slog.String("member", member),
					slog.Any("error", err),
				)
			}
			continue
		}

		b.dispatch(ctx, fn, member, body, slots)
	}
}

// popOne moves one message from pending to in-flight and returns its member.
func (b *Redis) popOne(ctx context.Context) (string, bool) {
	res, err := b.client.BZPopMin(ctx, b.cfg.PopTimeout, b.pendingKey()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			b.logger.Error("Failed to pop from redis queue",
				slog.Any("error", err),
			)
			time.Sleep(time.Second)
		}
		return "", false
	}

	member, ok := res.Member.(string)
	if !ok {
		return "", false
	}

	deadline := time.Now().Add(b.cfg.VisibilityTimeout)
	if err := b.client.ZAdd(ctx, b.inflightKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		b.logger.Error("Failed to claim message",
			slog.String("member", member),
			slog.Any("error", err),
		)
		// Put it back so it is not lost.
		b.client.ZAdd(ctx, b.pendingKey(), redis.Z{
			Score:  PendingScore(time.Now(), 0),
			Member: member,
		})
		return "", false
	}
	return member, true
}

func (b *Redis) dispatch(ctx context.Context, fn Handler, member string, body []byte, slots chan struct{}) {
	var once sync.Once

	settle := func(f func() error) error {
		var err error
		once.Do(func() {
			err = f()
			slots <- struct{}{}
		})
		return err
	}

	fn(ctx, Delivery{
		Body: body,
		Ack: func() error {
			return settle(func() error {
				pipe := b.client.TxPipeline()
				pipe.ZRem(ctx, b.inflightKey(), member)
				pipe.HDel(ctx, b.bodiesKey(), member)
				_, err := pipe.Exec(ctx)
				return err
			})
		},
		Nack: func(requeue bool) error {
			return settle(func() error {
				pipe := b.client.TxPipeline()
				pipe.ZRem(ctx, b.inflightKey(), member)
				if requeue {
					pipe.ZAdd(ctx, b.pendingKey(), redis.Z{
						Score:  PendingScore(time.Now(), 0),
						Member: member,
					})
				} else {
					pipe.HDel(ctx, b.bodiesKey(), member)
				}
				_, err := pipe.Exec(ctx)
				return err
			})
		},
	})
}

// reclaimLoop requeues in-flight messages whose visibility deadline passed,
// covering consumers that died mid-message.
func (b *Redis) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := b.reclaimExpired(ctx); err != nil {
				b.logger.Error("Failed to reclaim expired messages",
					slog.Any("error", err),
				)
			} else if n > 0 {
				b.logger.Warn("Requeued expired in-flight messages",
					slog.Int("count", n),
				)
			}
		}
	}
}

func (b *Redis) reclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	members, err := b.client.ZRangeByScore(ctx, b.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, member := range members {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.inflightKey(), member)
		pipe.ZAdd(ctx, b.pendingKey(), redis.Z{
			Score:  PendingScore(time.Now(), 0),
			Member: member,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(members), nil
}

func (b *Redis) Health(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return nil
}
