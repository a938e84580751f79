package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All persistence goes through here.
//
// Group creation is deliberately read-then-write (FindGroup, then CreateGroup
// or IncrementGroup). There is no unique constraint on (app_id, fingerprint),
// so concurrent first occurrences of one fingerprint may create two groups.
type Store interface {
	Ping(ctx context.Context) error

	GetAppByPublicKey(ctx context.Context, publicKey string) (*models.App, error)
	CreateApp(ctx context.Context, app *models.App) error

	FindGroup(ctx context.Context, appID uuid.UUID, fingerprint string) (*models.Group, error)
	CreateGroup(ctx context.Context, group *models.Group) (*models.Group, error)
	IncrementGroup(ctx context.Context, id uuid.UUID, count int, lastSeen time.Time) error
	SetAffectedUserCount(ctx context.Context, id uuid.UUID, n int) error

	// InsertGroupSession ignores duplicates and reports whether a row was added.
	InsertGroupSession(ctx context.Context, session *models.GroupSession) (bool, error)
	CountGroupSessions(ctx context.Context, groupID uuid.UUID) (int, error)

	UpsertDailyStat(ctx context.Context, groupID uuid.UUID, date string, count int) error

	HasSample(ctx context.Context, groupID uuid.UUID, userID string) (bool, error)
	CreateSample(ctx context.Context, sample *models.Sample) (*models.Sample, error)
	CreateErrorContext(ctx context.Context, ec *models.ErrorContext) error
	CreateBreadcrumbs(ctx context.Context, crumbs []models.Breadcrumb) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	ListGroups(ctx context.Context, filter GroupFilter) ([]*models.Group, int, error)
	GetGroup(ctx context.Context, id uuid.UUID, appID uuid.UUID) (*models.Group, error)
	ListDailyStats(ctx context.Context, groupID uuid.UUID, days int) ([]*models.DailyStat, error)
	ListSamples(ctx context.Context, groupID uuid.UUID, limit int) ([]*models.Sample, error)
	ListBreadcrumbs(ctx context.Context, sampleID uuid.UUID) ([]*models.Breadcrumb, error)
}

type GroupFilter struct {
	AppID       uuid.UUID
	Level       string
	Environment string
	Since       time.Time
	Page        int
	Limit       int
}

// Normalize clamps pagination to page >= 1 and 1 <= limit <= 100 (default 20).
func (f GroupFilter) Normalize() GroupFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}
