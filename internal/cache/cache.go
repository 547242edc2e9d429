package cache

import (
	"context"
	"time"

	"kirimaja/backend/internal/domain"
)

// StatsCache shields the stats aggregation query from dashboard polling.
type StatsCache interface {
	Get(ctx context.Context, key string) (*domain.InventoryStats, bool, error)
	Set(ctx context.Context, key string, value *domain.InventoryStats, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopStatsCache struct{}

func (NoopStatsCache) Get(_ context.Context, _ string) (*domain.InventoryStats, bool, error) {
	return nil, false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ string, _ *domain.InventoryStats, _ time.Duration) error {
	return nil
}

func (NoopStatsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
