package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel events travel on.
const DefaultChannel = "exchange:events"

// RedisBus publishes events on a Redis pub/sub channel so that every server
// instance can push them to its own WebSocket clients.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

// NewRedisBus creates a bus on the given channel (DefaultChannel if empty).
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

// Publish sends ev as JSON.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Kind, err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the channel and calls h for every event until ctx is
// cancelled. It returns once the subscription is closed. Malformed payloads
// are logged and skipped.
func (b *RedisBus) Run(ctx context.Context, h Handler) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", b.channel, err)
	}
	slog.Info("subscribed to event channel", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event", "channel", b.channel, "err", err)
				continue
			}
			h(ev)
		}
	}
}

var _ Publisher = (*RedisBus)(nil)
