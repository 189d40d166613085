package cache

import (
	"context"

	"madira/pos/internal/domain"
)

// SnapshotCache holds the last good mirror snapshot so reads can be served
// while the backing store is unreachable.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*domain.Snapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.Snapshot) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) (*domain.Snapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ string, _ *domain.Snapshot) error {
	return nil
}
