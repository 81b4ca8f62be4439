package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRelay broadcasts envelopes over a Redis Pub/Sub channel. Every API
// process subscribes to the same channel and re-emits matching events to its
// locally-held client connections.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisRelay creates a relay over the given Redis client and channel name.
func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

func (r *RedisRelay) Emit(ctx context.Context, room, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	env := Envelope{Room: room, Event: event, Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Error("Failed to publish relay event",
			slog.String("room", room),
			slog.String("event", event),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish relay event: %w", err)
	}

	r.logger.Debug("Relay event published",
		slog.String("room", room),
		slog.String("event", event),
	)

	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)

	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Relay subscription stopped - context canceled",
					slog.String("channel", r.channel),
				)
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.Warn("Relay subscription channel closed",
						slog.String("channel", r.channel),
					)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Error("Failed to decode relay envelope",
						slog.Any("error", err),
					)
					continue
				}
				fn(env)
			}
		}
	}()

	r.logger.Info("Subscribed to relay channel",
		slog.String("channel", r.channel),
	)

	return nil
}

func (r *RedisRelay) Close() error {
	return nil
}
