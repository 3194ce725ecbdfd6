package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel events travel on.
const DefaultChannel = "bookkeeper:notifications"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBroker shares events between processes. Published events are
// delivered to the local registry at once and broadcast on Redis; Run
// forwards events from other processes into the local registry.
type RedisBroker struct {
	client  redis.UniversalClient
	local   *Registry
	channel string
	origin  string
	log     *slog.Logger
}

// NewRedisBroker returns a broker bridging local to client.
func NewRedisBroker(client redis.UniversalClient, local *Registry, log *slog.Logger) *RedisBroker {
	return &RedisBroker{
		client:  client,
		local:   local,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		log:     log,
	}
}

// Publish delivers e locally and broadcasts it to other processes.
func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	b.local.Deliver(e)
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: e})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run forwards remote events until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("discarding malformed notification", "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.local.Deliver(env.Event)
		}
	}
}
