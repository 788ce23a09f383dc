package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus implements Publisher and Subscriber over redis pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, stream, string(data)).Err(); err != nil {
		b.log.Warn("event publish failed", zap.String("type", event.Type), zap.Error(err))
		return err
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := b.client.Subscribe(ctx, stream)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Error("failed to unmarshal event", zap.Error(err))
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}
