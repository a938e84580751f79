package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// Grouper maps an occurrence to its group with find-then-create.
//
// The lookup and the insert are separate Store calls with no lock or
// transaction between them. Two batches carrying the first occurrence of the
// same fingerprint at the same moment can both miss the lookup and create two
// groups. FindGroup resolves later occurrences to the oldest of them.
type Grouper struct {
	store store.Store
}

func NewGrouper(s store.Store) *Grouper {
	return &Grouper{store: s}
}

// Resolve returns the group id for (app, fingerprint) and whether the group
// was created by this call. An existing group gets count += occ count and
// last_seen = now.
func (g *Grouper) Resolve(ctx context.Context, app *models.App, fingerprint string, occ *Occurrence, now time.Time) (uuid.UUID, bool, error) {
	count := occ.EffectiveCount()

	existing, err := g.store.FindGroup(ctx, app.ID, fingerprint)
	switch {
	case err == nil:
		if err := g.store.IncrementGroup(ctx, existing.ID, existing.Count+count, now); err != nil {
			return existing.ID, false, fmt.Errorf("updating group %s: %w", existing.ID, err)
		}
		return existing.ID, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return uuid.Nil, false, fmt.Errorf("finding group: %w", err)
	}

	created, err := g.store.CreateGroup(ctx, newGroup(app.ID, fingerprint, occ, count, now))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("creating group: %w", err)
	}
	if created == nil || created.ID == uuid.Nil {
		return uuid.Nil, true, ErrNoGroupID
	}
	return created.ID, true, nil
}

// newGroup builds the first row for a fingerprint. The message is truncated to
// maxMessageBytes, unlike the SDK payload, which carries it whole.
func newGroup(appID uuid.UUID, fingerprint string, occ *Occurrence, count int, now time.Time) *models.Group {
	return &models.Group{
		ID:                uuid.New(),
		AppID:             appID,
		Fingerprint:       fingerprint,
		Code:              occ.Code,
		Message:           truncateString(occ.Message, maxMessageBytes),
		Level:             occ.Level,
		Priority:          occ.Priority,
		FirstSeen:         now,
		LastSeen:          now,
		Count:             count,
		AffectedUserCount: 0,
		Source:            occ.SourceOrDefault(),
		Location:          occ.location(),
		Environment:       occ.Environment(),
	}
}

func (o *Occurrence) location() models.Location {
	return models.Location{
		PageName:        o.PageName,
		WorkflowID:      o.WorkflowID,
		ElementBubbleID: o.ElementBubbleID,
		ElementName:     o.ElementName,
		EventPath:       o.EventPath,
	}
}
