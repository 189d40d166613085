package notify

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus bridges change signals across processes via Redis pub/sub, so a
// mirror in one instance wakes up when another instance commits a write.
type RedisBus struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBus(client *redis.Client, keyPrefix string) *RedisBus {
	return &RedisBus{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBus) channel(topic string) string {
	return b.keyPrefix + ":notify:" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	return b.client.Publish(ctx, b.channel(topic), "1").Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil {
				log.Printf("[notify] WARN: closing subscription for %s: %v", topic, err)
			}
		})
	}
	return out, cancel, nil
}

func (b *RedisBus) Close() error {
	return nil
}
