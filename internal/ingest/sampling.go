package ingest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// DefaultSampleRate is the retention probability for repeat occurrences.
const DefaultSampleRate = 0.1

// Retention reasons.
const (
	ReasonFirst   = "first"
	ReasonSampled = "sampled"
)

// Sampler decides which occurrences are stored in full. A user's first
// occurrence in a group is always kept; later ones are kept with
// probability rate, drawn independently per occurrence.
type Sampler struct {
	store store.Store
	rate  float64
	rand  func() float64
}

// NewSampler creates a Sampler. A nil rnd uses math/rand/v2.
func NewSampler(s store.Store, rate float64, rnd func() float64) *Sampler {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Sampler{store: s, rate: rate, rand: rnd}
}

// SampleInput carries what a retained sample needs beyond the occurrence.
type SampleInput struct {
	GroupID   uuid.UUID
	SessionID string
	Enhanced  bool
	Now       time.Time
}

// Retain returns the created sample and the retention reason, or a nil
// sample when the occurrence is not retained. Occurrences without a user id
// are never retained.
func (s *Sampler) Retain(ctx context.Context, occ *Occurrence, in SampleInput) (*models.Sample, string, error) {
	if occ.UserID == "" {
		return nil, "", nil
	}

	seen, err := s.store.HasSample(ctx, in.GroupID, occ.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("checking existing sample: %w", err)
	}

	reason := ReasonFirst
	if seen {
		if s.rand() >= s.rate {
			return nil, "", nil
		}
		reason = ReasonSampled
	}

	bubble := occ.Bubble
	if !present(bubble) {
		bubble = []byte("{}")
	}

	sample, err := s.store.CreateSample(ctx, &models.Sample{
		ID:               uuid.New(),
		GroupID:          in.GroupID,
		UserID:           occ.UserID,
		Metadata:         sampleMetadata(occ.Metadata, in.SessionID),
		Bubble:           bubble,
		CreatedAt:        in.Now,
		Location:         occ.location(),
		Environment:      occ.Environment(),
		IsEnhanced:       in.Enhanced,
		BreadcrumbsCount: len(occ.Breadcrumbs),
	})
	if err != nil {
		return nil, "", fmt.Errorf("creating sample: %w", err)
	}
	if sample == nil || sample.ID == uuid.Nil {
		return nil, "", ErrNoSampleID
	}
	return sample, reason, nil
}

// sampleMetadata copies md and sets the session id, overriding any
// session_id the client put in metadata.
func sampleMetadata(md map[string]any, sessionID string) map[string]any {
	out := make(map[string]any, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out[models.MetadataSessionID] = sessionID
	return out
}
