package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// DefaultBreadcrumbBatch bounds the rows written per breadcrumb insert.
const DefaultBreadcrumbBatch = 10

// Archiver persists the diagnostic context and breadcrumb trail of enhanced
// occurrences against their retained sample.
type Archiver struct {
	store     store.Store
	batchSize int
}

func NewArchiver(s store.Store, batchSize int) *Archiver {
	if batchSize <= 0 {
		batchSize = DefaultBreadcrumbBatch
	}
	return &Archiver{store: s, batchSize: batchSize}
}

// ArchiveContext writes one ErrorContext if any diagnostic snapshot is
// present. It reports whether a row was written.
func (a *Archiver) ArchiveContext(ctx context.Context, sampleID uuid.UUID, occ *Occurrence) (bool, error) {
	if !occ.HasDiagnostics() {
		return false, nil
	}
	version := occ.EnhancedVersion
	if version == 0 {
		version = 2
	}
	err := a.store.CreateErrorContext(ctx, &models.ErrorContext{
		ID:              uuid.New(),
		SampleID:        sampleID,
		BrowserState:    occ.BrowserState,
		MemoryUsage:     occ.MemoryUsage,
		NetworkInfo:     occ.NetworkInfo,
		PerformanceInfo: occ.PerformanceInfo,
		BubbleContext:   occ.Bubble,
		EnhancedVersion: version,
	})
	if err != nil {
		return false, fmt.Errorf("creating error context: %w", err)
	}
	return true, nil
}

// ArchiveBreadcrumbs writes the trail in batches. Batches are independent:
// a failed batch is reported and the remaining batches are still attempted.
// It returns the number of rows written.
func (a *Archiver) ArchiveBreadcrumbs(ctx context.Context, sampleID uuid.UUID, crumbs []Breadcrumb) (int, error) {
	var errs *multierror.Error
	written := 0
	for start := 0; start < len(crumbs); start += a.batchSize {
		end := min(start+a.batchSize, len(crumbs))
		batch := make([]models.Breadcrumb, 0, end-start)
		for i := start; i < end; i++ {
			level := crumbs[i].Level
			if level == "" {
				level = "info"
			}
			batch = append(batch, models.Breadcrumb{
				ID:          uuid.New(),
				SampleID:    sampleID,
				Type:        crumbs[i].Type,
				Level:       level,
				Data:        crumbs[i].Data,
				TimestampMs: crumbs[i].Timestamp,
				Position:    i,
			})
		}
		if err := a.store.CreateBreadcrumbs(ctx, batch); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("breadcrumb batch %d-%d: %w", start, end-1, err))
			continue
		}
		written += len(batch)
	}
	return written, errs.ErrorOrNil()
}
