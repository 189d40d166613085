package cache

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"madira/pos/internal/domain"
)

// RedisSnapshotCache persists snapshots without a TTL; stale-but-present beats
// empty when the remote store is down.
type RedisSnapshotCache struct {
	client *redis.Client
}

func NewRedisSnapshotCache(client *redis.Client) *RedisSnapshotCache {
	return &RedisSnapshotCache{client: client}
}

func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

func (c *RedisSnapshotCache) Get(ctx context.Context, key string) (*domain.Snapshot, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, key string, value *domain.Snapshot) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, 0).Err()
}
