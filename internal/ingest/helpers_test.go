package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/internal/store/memstore"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

var errStoreDown = errors.New("store unavailable")

// faultyStore wraps memstore and injects failures per operation.
type faultyStore struct {
	*memstore.Store

	failFindGroup    error
	failCreateGroup  error
	nilGroupID       bool
	failInsertSess   error
	failCountSess    error
	failStats        error
	failHasSample    error
	failCreateSample error
	nilSampleID      bool
	failContext      error
	failCrumbBatches map[int]error // keyed by call index

	mu         sync.Mutex
	crumbCalls [][]models.Breadcrumb
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memstore.New()}
}

func (f *faultyStore) FindGroup(ctx context.Context, appID uuid.UUID, fp string) (*models.Group, error) {
	if f.failFindGroup != nil {
		return nil, f.failFindGroup
	}
	return f.Store.FindGroup(ctx, appID, fp)
}

func (f *faultyStore) CreateGroup(ctx context.Context, g *models.Group) (*models.Group, error) {
	if f.failCreateGroup != nil {
		return nil, f.failCreateGroup
	}
	if f.nilGroupID {
		return &models.Group{}, nil
	}
	return f.Store.CreateGroup(ctx, g)
}

func (f *faultyStore) InsertGroupSession(ctx context.Context, s *models.GroupSession) (bool, error) {
	if f.failInsertSess != nil {
		return false, f.failInsertSess
	}
	return f.Store.InsertGroupSession(ctx, s)
}

func (f *faultyStore) CountGroupSessions(ctx context.Context, id uuid.UUID) (int, error) {
	if f.failCountSess != nil {
		return 0, f.failCountSess
	}
	return f.Store.CountGroupSessions(ctx, id)
}

func (f *faultyStore) UpsertDailyStat(ctx context.Context, id uuid.UUID, date string, n int) error {
	if f.failStats != nil {
		return f.failStats
	}
	return f.Store.UpsertDailyStat(ctx, id, date, n)
}

func (f *faultyStore) HasSample(ctx context.Context, id uuid.UUID, user string) (bool, error) {
	if f.failHasSample != nil {
		return false, f.failHasSample
	}
	return f.Store.HasSample(ctx, id, user)
}

func (f *faultyStore) CreateSample(ctx context.Context, s *models.Sample) (*models.Sample, error) {
	if f.failCreateSample != nil {
		return nil, f.failCreateSample
	}
	if f.nilSampleID {
		return &models.Sample{}, nil
	}
	return f.Store.CreateSample(ctx, s)
}

func (f *faultyStore) CreateErrorContext(ctx context.Context, ec *models.ErrorContext) error {
	if f.failContext != nil {
		return f.failContext
	}
	return f.Store.CreateErrorContext(ctx, ec)
}

func (f *faultyStore) CreateBreadcrumbs(ctx context.Context, crumbs []models.Breadcrumb) error {
	f.mu.Lock()
	call := len(f.crumbCalls)
	f.crumbCalls = append(f.crumbCalls, crumbs)
	f.mu.Unlock()
	if err := f.failCrumbBatches[call]; err != nil {
		return err
	}
	return f.Store.CreateBreadcrumbs(ctx, crumbs)
}

var _ store.Store = (*faultyStore)(nil)

// --- mock Notifier ---

type notification struct {
	groupID  uuid.UUID
	enhanced bool
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(groupID uuid.UUID, enhanced bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{groupID: groupID, enhanced: enhanced})
	return n.err
}

func (n *recordingNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

// --- fixtures ---

var testNow = time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

type fixture struct {
	store    *faultyStore
	notifier *recordingNotifier
	clock    *quartz.Mock
	metrics  *metrics.Metrics
	proc     *Processor
	app      *models.App
}

// newFixture builds a processor whose random source returns draws in order,
// repeating the last one.
func newFixture(t *testing.T, draws ...float64) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFaultyStore(),
		notifier: &recordingNotifier{},
		clock:    quartz.NewMock(t),
		metrics:  metrics.New(prometheus.NewRegistry()),
		app:      &models.App{ID: uuid.New(), Name: "demo", PublicKey: "pk_demo", Secret: "s3cret"},
	}
	f.clock.Set(testNow)
	if len(draws) == 0 {
		draws = []float64{0.99}
	}
	i := 0
	rnd := func() float64 {
		d := draws[min(i, len(draws)-1)]
		i++
		return d
	}
	f.proc = NewProcessor(f.store, f.notifier, f.metrics, Config{
		SampleRate:      DefaultSampleRate,
		BreadcrumbBatch: DefaultBreadcrumbBatch,
		Clock:           f.clock,
		Rand:            rnd,
	}, nil)
	return f
}

func (f *fixture) run(t *testing.T, body string) Summary {
	t.Helper()
	batch, err := Decode([]byte(body), DefaultMaxBatch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f.proc.ProcessBatch(context.Background(), f.app, batch)
}

func (f *fixture) onlyGroup(t *testing.T) models.Group {
	t.Helper()
	groups := f.store.Groups()
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	return groups[0]
}
