package cache

import (
	"context"
	"time"

	"cajaclara/backend/internal/domain"
)

// SummaryCache holds rendered daily-summary responses keyed by date range.
// Writes to either ledger must call Invalidate so stale reconciliations are
// never served.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.DailySummaryResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.DailySummaryResponse, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.DailySummaryResponse, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.DailySummaryResponse, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context) error {
	return nil
}
