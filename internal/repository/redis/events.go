package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const eventsChannel = "pln:events"

type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// EventBus carries websocket push messages from the worker process to every
// API process over one redis pub/sub channel.
type EventBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewEventBus(client *redis.Client, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{client: client, logger: logger}
}

func (b *EventBus) Broadcast(ctx context.Context, channel string, payload []byte) error {
	raw, err := json.Marshal(envelope{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, eventsChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay forwards bus messages to deliver until ctx is done.
func (b *EventBus) Relay(ctx context.Context, deliver func(channel string, payload []byte)) error {
	sub := b.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Channel == "" {
				b.logger.Warn("dropping malformed event", "err", err)
				continue
			}
			deliver(env.Channel, env.Payload)
		}
	}
}
