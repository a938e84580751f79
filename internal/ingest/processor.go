// Package ingest turns decoded bubble batches into grouped, counted and
// sampled records.
//
// Occurrences in a batch are processed one after another in array order.
// Failures are scoped to the occurrence that caused them: they are logged
// and counted, and processing moves on. Only decoding can fail a batch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// Notifier is told about every newly created group. Implementations must
// not block.
type Notifier interface {
	Notify(groupID uuid.UUID, enhanced bool) error
}

// Config tunes the processor.
type Config struct {
	// SampleRate is used as given: 0 keeps only each user's first sample per
	// group. Callers wanting the usual behavior pass DefaultSampleRate.
	SampleRate float64
	// BreadcrumbBatch of zero or less takes DefaultBreadcrumbBatch.
	BreadcrumbBatch int

	// Clock and Rand are injectable for tests.
	Clock quartz.Clock
	Rand  func() float64
}

// Processor runs the per-occurrence pipeline.
type Processor struct {
	notifier Notifier
	clock    quartz.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	grouper  *Grouper
	sessions *SessionTracker
	stats    *StatsAggregator
	sampler  *Sampler
	archiver *Archiver
}

func NewProcessor(s store.Store, notifier Notifier, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Processor{
		notifier: notifier,
		clock:    cfg.Clock,
		metrics:  m,
		logger:   logger,
		grouper:  NewGrouper(s),
		sessions: NewSessionTracker(s),
		stats:    NewStatsAggregator(s),
		sampler:  NewSampler(s, cfg.SampleRate, cfg.Rand),
		archiver: NewArchiver(s, cfg.BreadcrumbBatch),
	}
}

// Summary reports what a batch did. It is informational only; the HTTP
// response does not depend on it.
type Summary struct {
	Occurrences     int
	Failed          int
	GroupsCreated   int
	SamplesRetained int
}

// ProcessBatch runs every occurrence of batch for app, in order.
func (p *Processor) ProcessBatch(ctx context.Context, app *models.App, batch *Batch) Summary {
	var sum Summary
	for i := range batch.Occurrences {
		sum.Occurrences++
		p.metrics.IngestOccurrences.Inc()

		res := p.processOccurrence(ctx, app, batch.Version, &batch.Occurrences[i])
		if res.created {
			sum.GroupsCreated++
		}
		if res.retained {
			sum.SamplesRetained++
		}
		if res.err != nil {
			sum.Failed++
			p.logger.Error("occurrence processing incomplete",
				"app_id", app.ID,
				"index", i,
				"fingerprint", res.fingerprint,
				"group_id", res.groupID,
				"error", res.err,
				"payload", payloadForLog(&batch.Occurrences[i]),
			)
		}
	}
	return sum
}

type occurrenceResult struct {
	fingerprint string
	groupID     uuid.UUID
	created     bool
	retained    bool
	err         error
}

func (p *Processor) processOccurrence(ctx context.Context, app *models.App, version int, occ *Occurrence) occurrenceResult {
	now := p.clock.Now().UTC()
	enhanced := occ.Enhanced(version)

	res := occurrenceResult{fingerprint: occ.Fingerprint}
	if res.fingerprint == "" {
		res.fingerprint = Fingerprint(occ.Code, occ.Message)
	}

	groupID, created, err := p.grouper.Resolve(ctx, app, res.fingerprint, occ, now)
	res.groupID, res.created = groupID, created
	if created {
		p.metrics.GroupsCreated.Inc()
	}
	if err != nil {
		if errors.Is(err, ErrNoGroupID) {
			p.logger.Warn("group created without id, skipping enrichment", "app_id", app.ID, "fingerprint", res.fingerprint)
		}
		res.err = p.fail(nil, metrics.StageGroup, err).ErrorOrNil()
		return res
	}

	if created {
		if err := p.notifier.Notify(groupID, enhanced); err != nil {
			p.logger.Warn("enrichment notification not queued", "group_id", groupID, "error", err)
		}
	}

	sessionID := occ.SessionID
	if sessionID == "" {
		sessionID = NewSessionID(now)
	}

	var errs *multierror.Error
	if err := p.sessions.Record(ctx, groupID, sessionID, now); err != nil {
		errs = p.fail(errs, metrics.StageSession, err)
	}
	if err := p.stats.Add(ctx, groupID, now, occ.EffectiveCount()); err != nil {
		errs = p.fail(errs, metrics.StageStats, err)
	}

	sample, reason, err := p.sampler.Retain(ctx, occ, SampleInput{
		GroupID:   groupID,
		SessionID: sessionID,
		Enhanced:  enhanced,
		Now:       now,
	})
	if err != nil {
		res.err = p.fail(errs, metrics.StageSample, err).ErrorOrNil()
		return res
	}
	if sample != nil {
		res.retained = true
		p.metrics.SamplesRetained.WithLabelValues(reason).Inc()

		if enhanced {
			if _, err := p.archiver.ArchiveContext(ctx, sample.ID, occ); err != nil {
				errs = p.fail(errs, metrics.StageContext, err)
			}
			if _, err := p.archiver.ArchiveBreadcrumbs(ctx, sample.ID, occ.Breadcrumbs); err != nil {
				errs = p.fail(errs, metrics.StageCrumbs, err)
			}
		}
	}

	res.err = errs.ErrorOrNil()
	return res
}

func (p *Processor) fail(errs *multierror.Error, stage string, err error) *multierror.Error {
	p.metrics.OccurrenceFailures.WithLabelValues(stage).Inc()
	return multierror.Append(errs, err)
}

func payloadForLog(occ *Occurrence) string {
	b, err := json.Marshal(occ)
	if err != nil {
		return ""
	}
	return string(b)
}
