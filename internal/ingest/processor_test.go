package ingest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

func TestProcessBatch_EnhancedExample(t *testing.T) {
	f := newFixture(t)

	sum := f.run(t, `{"version":2,"occurrences":[{"fp":"f1","code":"E1","msg":"boom","level":"error",
		"user_id":"u1","enhanced_version":2,"breadcrumbs":[{"type":"click","timestamp":100}]}]}`)

	assert.Equal(t, Summary{Occurrences: 1, GroupsCreated: 1, SamplesRetained: 1}, sum)

	g := f.onlyGroup(t)
	assert.Equal(t, "f1", g.Fingerprint)
	assert.Equal(t, "E1", g.Code)
	assert.Equal(t, "boom", g.Message)
	assert.Equal(t, "error", g.Level)
	assert.Equal(t, 1, g.Count)
	assert.Equal(t, 1, g.AffectedUserCount)
	assert.Equal(t, testNow, g.FirstSeen)
	assert.Equal(t, testNow, g.LastSeen)
	assert.Equal(t, "frontend", g.Source)
	assert.Equal(t, "unknown", g.Environment)
	assert.Equal(t, f.app.ID, g.AppID)

	assert.Equal(t, 1, f.store.SessionCount(g.ID))
	assert.Equal(t, 1, f.store.DailyCount(g.ID, "2026-03-14"))

	samples := f.store.Samples()
	require.Len(t, samples, 1)
	assert.True(t, samples[0].IsEnhanced)
	assert.Equal(t, "u1", samples[0].UserID)
	assert.Equal(t, 1, samples[0].BreadcrumbsCount)
	assert.JSONEq(t, `{}`, string(samples[0].Bubble))

	// No diagnostics in the example, so no context row.
	assert.Empty(t, f.store.ErrorContexts())

	crumbs := f.store.Breadcrumbs()
	require.Len(t, crumbs, 1)
	assert.Equal(t, samples[0].ID, crumbs[0].SampleID)
	assert.Equal(t, "click", crumbs[0].Type)
	assert.Equal(t, "info", crumbs[0].Level)
	assert.Equal(t, int64(100), crumbs[0].TimestampMs)

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notification{groupID: g.ID, enhanced: true}, sent[0])
}

func TestProcessBatch_EnhancedWithDiagnostics(t *testing.T) {
	f := newFixture(t)

	f.run(t, `{"version":2,"occurrences":[{"fp":"f1","user_id":"u1","enhanced_version":3,
		"bubble":{"page":"home"},"memory_usage":{"used":12},"network_info":{"rtt":50}}]}`)

	samples := f.store.Samples()
	require.Len(t, samples, 1)
	ecs := f.store.ErrorContexts()
	require.Len(t, ecs, 1)
	assert.Equal(t, samples[0].ID, ecs[0].SampleID)
	assert.JSONEq(t, `{"used":12}`, string(ecs[0].MemoryUsage))
	assert.JSONEq(t, `{"rtt":50}`, string(ecs[0].NetworkInfo))
	assert.JSONEq(t, `{"page":"home"}`, string(ecs[0].BubbleContext))
	assert.Equal(t, 3, ecs[0].EnhancedVersion)
	assert.Empty(t, f.store.Breadcrumbs())
}

func TestProcessBatch_NotEnhancedSkipsArchive(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"envelope v1", `{"version":1,"occurrences":[{"fp":"f1","user_id":"u1","enhanced_version":2,
			"browser_state":{"a":1},"breadcrumbs":[{"type":"nav"}]}]}`},
		{"marker v1", `{"version":2,"occurrences":[{"fp":"f1","user_id":"u1","enhanced_version":1,
			"browser_state":{"a":1},"breadcrumbs":[{"type":"nav"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.run(t, tt.body)

			samples := f.store.Samples()
			require.Len(t, samples, 1)
			assert.False(t, samples[0].IsEnhanced)
			assert.Empty(t, f.store.ErrorContexts())
			assert.Empty(t, f.store.Breadcrumbs())

			sent := f.notifier.Sent()
			require.Len(t, sent, 1)
			assert.False(t, sent[0].enhanced)
		})
	}
}

func TestProcessBatch_CountsAccumulateIntoOneGroup(t *testing.T) {
	f := newFixture(t)

	counts := []int{1, 4, 2, 7, 1}
	items := make([]string, len(counts))
	total := 0
	for i, c := range counts {
		items[i] = fmt.Sprintf(`{"fp":"same","count":%d}`, c)
		total += c
	}
	sum := f.run(t, `{"occurrences":[`+strings.Join(items, ",")+`]}`)

	g := f.onlyGroup(t)
	assert.Equal(t, total, g.Count)
	assert.Equal(t, 1, sum.GroupsCreated)
	assert.Len(t, f.notifier.Sent(), 1)
	assert.Equal(t, total, f.store.DailyCount(g.ID, "2026-03-14"))
}

func TestProcessBatch_AcrossBatchesUpdatesLastSeen(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[{"fp":"f1","count":2}]}`)

	later := testNow.Add(90 * time.Minute)
	f.clock.Set(later)
	sum := f.run(t, `{"occurrences":[{"fp":"f1","count":3}]}`)

	g := f.onlyGroup(t)
	assert.Equal(t, 5, g.Count)
	assert.Equal(t, testNow, g.FirstSeen)
	assert.Equal(t, later, g.LastSeen)
	assert.Zero(t, sum.GroupsCreated)
	assert.Len(t, f.notifier.Sent(), 1, "enrichment fires only for the creating occurrence")
}

func TestProcessBatch_GroupsAreScopedToApp(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[{"fp":"f1"}]}`)

	f.app = &models.App{ID: uuid.New(), PublicKey: "pk_other"}
	f.run(t, `{"occurrences":[{"fp":"f1"}]}`)

	assert.Len(t, f.store.Groups(), 2)
	assert.Len(t, f.notifier.Sent(), 2)
}

func TestProcessBatch_SessionResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)

	for range 4 {
		f.run(t, `{"occurrences":[{"fp":"f1","session_id":"s1"}]}`)
	}
	g := f.onlyGroup(t)
	assert.Equal(t, 1, g.AffectedUserCount)
	assert.Equal(t, 4, g.Count)

	f.run(t, `{"occurrences":[{"fp":"f1","session_id":"s2"},{"fp":"f1","session_id":"s3"},{"fp":"f1","session_id":"s2"}]}`)
	g = f.onlyGroup(t)
	assert.Equal(t, 3, g.AffectedUserCount)
	assert.Equal(t, f.store.SessionCount(g.ID), g.AffectedUserCount)
}

func TestProcessBatch_GeneratesSessionIDIntoMetadata(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1","metadata":{"environment":"live","session_id":"spoofed"}}]}`)

	samples := f.store.Samples()
	require.Len(t, samples, 1)
	sid := samples[0].SessionID()
	assert.Regexp(t, fmt.Sprintf(`^sess_%d_[0-9a-z]{9}$`, testNow.UnixMilli()), sid)
	assert.Equal(t, "live", samples[0].Metadata["environment"])
	assert.Equal(t, "live", samples[0].Environment)

	g := f.onlyGroup(t)
	assert.Equal(t, "live", g.Environment)
	assert.Equal(t, 1, f.store.SessionCount(g.ID))
}

func TestProcessBatch_SuppliedSessionIDWinsOverMetadata(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1","session_id":"sess_real","metadata":{"session_id":"other","k":"v"}}]}`)

	samples := f.store.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, "sess_real", samples[0].SessionID())
	assert.Equal(t, "v", samples[0].Metadata["k"])
}

func TestProcessBatch_NoUserNoSample(t *testing.T) {
	f := newFixture(t, 0.0)
	sum := f.run(t, `{"version":2,"occurrences":[{"fp":"f1","enhanced_version":2,"browser_state":{"a":1}}]}`)

	assert.Zero(t, sum.SamplesRetained)
	assert.Empty(t, f.store.Samples())
	assert.Empty(t, f.store.ErrorContexts())
	assert.Equal(t, 1, f.onlyGroup(t).Count)
}

func TestProcessBatch_RepeatUserSampling(t *testing.T) {
	// draws: first occurrence never draws; then 0.5 (drop), 0.05 (keep)
	f := newFixture(t, 0.5, 0.05)
	f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"},{"fp":"f1","user_id":"u1"},{"fp":"f1","user_id":"u1"}]}`)

	assert.Len(t, f.store.Samples(), 2)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.SamplesRetained.WithLabelValues(ReasonFirst)))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.SamplesRetained.WithLabelValues(ReasonSampled)))
}

func TestProcessBatch_FirstSamplePerUser(t *testing.T) {
	f := newFixture(t, 0.99)
	f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"},{"fp":"f1","user_id":"u2"},{"fp":"f1","user_id":"u1"},{"fp":"f2","user_id":"u1"}]}`)

	samples := f.store.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, "u1", samples[0].UserID)
	assert.Equal(t, "u2", samples[1].UserID)
	assert.Equal(t, "u1", samples[2].UserID)
	assert.NotEqual(t, samples[0].GroupID, samples[2].GroupID)
}

func TestProcessBatch_ZeroSampleRateKeepsOnlyFirstSamples(t *testing.T) {
	f := newFixture(t)
	f.proc = NewProcessor(f.store, f.notifier, f.metrics, Config{
		Clock: f.clock,
		Rand:  func() float64 { return 0 },
	}, nil)
	f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"},{"fp":"f1","user_id":"u1"},{"fp":"f1","user_id":"u1"}]}`)

	assert.Len(t, f.store.Samples(), 1)
	assert.Equal(t, 3, f.onlyGroup(t).Count)
	assert.Zero(t, promtest.ToFloat64(f.metrics.SamplesRetained.WithLabelValues(ReasonSampled)))
}

func TestProcessBatch_FingerprintFallback(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[
		{"code":"E1","msg":"Item [3] missing"},
		{"code":"E1","msg":"item [44]   missing"}]}`)

	g := f.onlyGroup(t)
	assert.Equal(t, Fingerprint("E1", "item [n] missing"), g.Fingerprint)
	assert.Equal(t, 2, g.Count)
}

func TestProcessBatch_TruncatesGroupMessage(t *testing.T) {
	f := newFixture(t)
	f.run(t, `{"occurrences":[{"fp":"f1","msg":"`+strings.Repeat("m", 3000)+`"}]}`)
	assert.Len(t, f.onlyGroup(t).Message, maxMessageBytes)
}

func TestProcessBatch_DailyStatsFollowUTCDate(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC))
	f.run(t, `{"occurrences":[{"fp":"f1","count":2}]}`)

	f.clock.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))
	f.run(t, `{"occurrences":[{"fp":"f1","count":3}]}`)

	g := f.onlyGroup(t)
	assert.Equal(t, 2, f.store.DailyCount(g.ID, "2026-03-14"))
	assert.Equal(t, 3, f.store.DailyCount(g.ID, "2026-03-15"))
}

func TestProcessBatch_DailyStatsUseUTCNotLocal(t *testing.T) {
	f := newFixture(t)
	tokyo := time.FixedZone("JST", 9*60*60)
	f.clock.Set(time.Date(2026, 3, 15, 2, 0, 0, 0, tokyo)) // 2026-03-14 17:00 UTC
	f.run(t, `{"occurrences":[{"fp":"f1"}]}`)

	assert.Equal(t, 1, f.store.DailyCount(f.onlyGroup(t).ID, "2026-03-14"))
}

// --- failure isolation ---

func TestProcessBatch_SessionFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.store.failInsertSess = errStoreDown

	sum := f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1","count":2}]}`)

	assert.Equal(t, 1, sum.Failed)
	g := f.onlyGroup(t)
	assert.Equal(t, 2, g.Count)
	assert.Zero(t, g.AffectedUserCount)
	assert.Equal(t, 2, f.store.DailyCount(g.ID, "2026-03-14"))
	assert.Len(t, f.store.Samples(), 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.OccurrenceFailures.WithLabelValues(metrics.StageSession)))
}

func TestProcessBatch_CountFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.store.failCountSess = errStoreDown

	f.run(t, `{"occurrences":[{"fp":"f1"}]}`)

	g := f.onlyGroup(t)
	assert.Equal(t, 1, f.store.SessionCount(g.ID))
	assert.Zero(t, g.AffectedUserCount)
	assert.Equal(t, 1, f.store.DailyCount(g.ID, "2026-03-14"))
}

func TestProcessBatch_StatsFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.store.failStats = errStoreDown

	sum := f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"}]}`)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.SamplesRetained)
	assert.Equal(t, 1, f.onlyGroup(t).AffectedUserCount)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.OccurrenceFailures.WithLabelValues(metrics.StageStats)))
}

func TestProcessBatch_GroupFailureSkipsOnlyThatOccurrence(t *testing.T) {
	f := newFixture(t)
	f.store.failFindGroup = errStoreDown
	batch, err := Decode([]byte(`{"occurrences":[{"fp":"f1"},{"fp":"f2"}]}`), DefaultMaxBatch)
	require.NoError(t, err)

	sum := f.proc.ProcessBatch(t.Context(), f.app, batch)
	assert.Equal(t, 2, sum.Failed)
	assert.Empty(t, f.store.Groups())
	assert.Empty(t, f.notifier.Sent())
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.OccurrenceFailures.WithLabelValues(metrics.StageGroup)))

	f.store.failFindGroup = nil
	sum = f.proc.ProcessBatch(t.Context(), f.app, batch)
	assert.Zero(t, sum.Failed)
	assert.Len(t, f.store.Groups(), 2)
}

func TestProcessBatch_GroupWithoutIDSkipsNotification(t *testing.T) {
	f := newFixture(t)
	f.store.nilGroupID = true

	sum := f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"},{"fp":"f2"}]}`)

	assert.Equal(t, 2, sum.Occurrences)
	assert.Equal(t, 2, sum.Failed)
	assert.Empty(t, f.notifier.Sent())
	assert.Empty(t, f.store.Samples())
}

func TestProcessBatch_SampleFailureSkipsArchiveOnly(t *testing.T) {
	f := newFixture(t)
	f.store.failCreateSample = errStoreDown

	sum := f.run(t, `{"version":2,"occurrences":[
		{"fp":"f1","user_id":"u1","enhanced_version":2,"browser_state":{"a":1},"breadcrumbs":[{"type":"x"}]},
		{"fp":"f2"}]}`)

	assert.Equal(t, 1, sum.Failed)
	assert.Len(t, f.store.Groups(), 2)
	assert.Empty(t, f.store.ErrorContexts())
	assert.Empty(t, f.store.Breadcrumbs())
	assert.Len(t, f.notifier.Sent(), 2)
}

func TestProcessBatch_SampleWithoutIDSkipsArchive(t *testing.T) {
	f := newFixture(t)
	f.store.nilSampleID = true

	sum := f.run(t, `{"version":2,"occurrences":[
		{"fp":"f1","user_id":"u1","enhanced_version":2,"browser_state":{"a":1},"breadcrumbs":[{"type":"x"}]}]}`)

	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.SamplesRetained)
	assert.Empty(t, f.store.ErrorContexts())
	assert.Empty(t, f.store.Breadcrumbs())
}

func TestProcessBatch_ContextFailureStillWritesBreadcrumbs(t *testing.T) {
	f := newFixture(t)
	f.store.failContext = errStoreDown

	f.run(t, `{"version":2,"occurrences":[
		{"fp":"f1","user_id":"u1","enhanced_version":2,"browser_state":{"a":1},"breadcrumbs":[{"type":"x"},{"type":"y"}]}]}`)

	assert.Empty(t, f.store.ErrorContexts())
	assert.Len(t, f.store.Breadcrumbs(), 2)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.OccurrenceFailures.WithLabelValues(metrics.StageContext)))
}

func TestProcessBatch_NotifierErrorIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = fmt.Errorf("queue full")

	sum := f.run(t, `{"occurrences":[{"fp":"f1","user_id":"u1"}]}`)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 1, sum.SamplesRetained)
}

func TestProcessBatch_DuplicateGroupsResolveToOldest(t *testing.T) {
	f := newFixture(t)
	older := &models.Group{ID: uuid.New(), AppID: f.app.ID, Fingerprint: "raced", Count: 1, FirstSeen: testNow.Add(-time.Second)}
	newer := &models.Group{ID: uuid.New(), AppID: f.app.ID, Fingerprint: "raced", Count: 1, FirstSeen: testNow}
	_, err := f.store.Store.CreateGroup(t.Context(), older)
	require.NoError(t, err)
	_, err = f.store.Store.CreateGroup(t.Context(), newer)
	require.NoError(t, err)

	f.run(t, `{"occurrences":[{"fp":"raced","count":5}]}`)

	for _, g := range f.store.Groups() {
		switch g.ID {
		case older.ID:
			assert.Equal(t, 6, g.Count)
		case newer.ID:
			assert.Equal(t, 1, g.Count)
		}
	}
	assert.Empty(t, f.notifier.Sent())
}
