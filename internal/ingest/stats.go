package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bubblemon/internal/store"
)

const dateLayout = "2006-01-02"

// StatsAggregator maintains per-group daily occurrence counters.
type StatsAggregator struct {
	store store.Store
}

func NewStatsAggregator(s store.Store) *StatsAggregator {
	return &StatsAggregator{store: s}
}

// Add adds count to the group's counter for the UTC date of now.
func (a *StatsAggregator) Add(ctx context.Context, groupID uuid.UUID, now time.Time, count int) error {
	if err := a.store.UpsertDailyStat(ctx, groupID, now.UTC().Format(dateLayout), count); err != nil {
		return fmt.Errorf("upserting daily stat: %w", err)
	}
	return nil
}
