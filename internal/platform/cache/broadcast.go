package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel carries key invalidations between instances.
const DefaultInvalidationChannel = "lotledger.cache.invalidate"

type invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys"`
}

// Broadcaster publishes local invalidations over Redis pub/sub so sibling
// instances drop the same keys. Delivery is best effort.
type Broadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewBroadcaster returns nil when client is nil.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if client == nil {
		return nil
	}
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Publish announces that keys were invalidated on this instance.
func (b *Broadcaster) Publish(ctx context.Context, keys ...string) error {
	if b == nil || len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(invalidation{Origin: b.origin, Keys: keys})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen deletes keys announced by other instances from local until ctx is
// cancelled. The subscription is established before Listen returns.
func (b *Broadcaster) Listen(ctx context.Context, local *Local) error {
	if b == nil || local == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					b.logger.Warn("cache invalidation payload", slog.Any("error", err))
					continue
				}
				if inv.Origin == b.origin {
					continue
				}
				local.Delete(inv.Keys...)
			}
		}
	}()
	return nil
}
