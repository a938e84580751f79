// Package metrics holds the prometheus collectors for the ingest pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Failure stages reported by OccurrenceFailures.
const (
	StageGroup   = "group"
	StageSession = "session"
	StageStats   = "stats"
	StageSample  = "sample"
	StageContext = "context"
	StageCrumbs  = "breadcrumbs"
)

type Metrics struct {
	IngestBatches       *prometheus.CounterVec
	IngestOccurrences   prometheus.Counter
	GroupsCreated       prometheus.Counter
	SamplesRetained     *prometheus.CounterVec
	OccurrenceFailures  *prometheus.CounterVec
	EnrichNotifications *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "The total number of ingest batches by result.",
		}, []string{"result"}),
		IngestOccurrences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Subsystem: "ingest",
			Name:      "occurrences_total",
			Help:      "The total number of occurrences processed.",
		}),
		GroupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Name:      "groups_created_total",
			Help:      "The total number of groups created.",
		}),
		SamplesRetained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Name:      "samples_retained_total",
			Help:      "The total number of samples retained, by reason.",
		}, []string{"reason"}),
		OccurrenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Name:      "occurrence_failures_total",
			Help:      "The total number of swallowed per-occurrence failures, by pipeline stage.",
		}, []string{"stage"}),
		EnrichNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bubblemon",
			Subsystem: "enrich",
			Name:      "notifications_total",
			Help:      "The total number of enrichment notifications, by result.",
		}, []string{"result"}),
	}
	registerer.MustRegister(
		m.IngestBatches,
		m.IngestOccurrences,
		m.GroupsCreated,
		m.SamplesRetained,
		m.OccurrenceFailures,
		m.EnrichNotifications,
	)
	return m
}
