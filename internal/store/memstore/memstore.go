// Package memstore is an in-memory implementation of store.Store. It backs
// STORE_DRIVER=memory and the package tests, and mirrors the Postgres
// semantics: no uniqueness on (app_id, fingerprint), ignore-on-duplicate
// sessions, additive daily stats.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

type statKey struct {
	groupID uuid.UUID
	date    string
}

type sessionKey struct {
	groupID   uuid.UUID
	sessionID string
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	apps          []models.App
	groups        []models.Group
	sessions      map[sessionKey]models.GroupSession
	stats         map[statKey]int
	samples       []models.Sample
	errorContexts []models.ErrorContext
	breadcrumbs   []models.Breadcrumb
	apiKeys       []models.APIKey

	// writes counts every mutating call.
	writes int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[sessionKey]models.GroupSession),
		stats:    make(map[statKey]int),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) GetAppByPublicKey(_ context.Context, publicKey string) (*models.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.apps {
		if a.PublicKey == publicKey {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateApp(_ context.Context, app *models.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, a := range s.apps {
		if a.PublicKey == app.PublicKey {
			return store.ErrDuplicateKey
		}
	}
	s.apps = append(s.apps, *app)
	return nil
}

func (s *Store) FindGroup(_ context.Context, appID uuid.UUID, fingerprint string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.AppID == appID && g.Fingerprint == fingerprint {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateGroup(_ context.Context, group *models.Group) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	g := *group
	s.groups = append(s.groups, g)
	return &g, nil
}

func (s *Store) IncrementGroup(_ context.Context, id uuid.UUID, count int, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for i := range s.groups {
		if s.groups[i].ID == id {
			s.groups[i].Count = count
			s.groups[i].LastSeen = lastSeen
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) SetAffectedUserCount(_ context.Context, id uuid.UUID, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for i := range s.groups {
		if s.groups[i].ID == id {
			s.groups[i].AffectedUserCount = n
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListGroups(_ context.Context, filter store.GroupFilter) ([]*models.Group, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Group
	for _, g := range s.groups {
		if g.AppID != filter.AppID {
			continue
		}
		if filter.Level != "" && g.Level != filter.Level {
			continue
		}
		if filter.Environment != "" && g.Environment != filter.Environment {
			continue
		}
		if !filter.Since.IsZero() && g.LastSeen.Before(filter.Since) {
			continue
		}
		matched = append(matched, &g)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].LastSeen.After(matched[j].LastSeen)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start >= total {
		return []*models.Group{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) GetGroup(_ context.Context, id uuid.UUID, appID uuid.UUID) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.ID == id && g.AppID == appID {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) InsertGroupSession(_ context.Context, session *models.GroupSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	k := sessionKey{groupID: session.GroupID, sessionID: session.SessionID}
	if _, ok := s.sessions[k]; ok {
		return false, nil
	}
	s.sessions[k] = *session
	return true, nil
}

func (s *Store) CountGroupSessions(_ context.Context, groupID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.sessions {
		if k.groupID == groupID {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertDailyStat(_ context.Context, groupID uuid.UUID, date string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.stats[statKey{groupID: groupID, date: date}] += count
	return nil
}

func (s *Store) ListDailyStats(_ context.Context, groupID uuid.UUID, days int) ([]*models.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DailyStat
	for k, n := range s.stats {
		if k.groupID == groupID {
			out = append(out, &models.DailyStat{GroupID: k.groupID, Date: k.date, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if days > 0 && len(out) > days {
		out = out[:days]
	}
	return out, nil
}

func (s *Store) HasSample(_ context.Context, groupID uuid.UUID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sm := range s.samples {
		if sm.GroupID == groupID && sm.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateSample(_ context.Context, sample *models.Sample) (*models.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	sm := *sample
	sm.Metadata = cloneMetadata(sample.Metadata)
	s.samples = append(s.samples, sm)
	return &sm, nil
}

func (s *Store) ListSamples(_ context.Context, groupID uuid.UUID, limit int) ([]*models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Sample
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].GroupID != groupID {
			continue
		}
		sm := s.samples[i]
		out = append(out, &sm)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateErrorContext(_ context.Context, ec *models.ErrorContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, existing := range s.errorContexts {
		if existing.SampleID == ec.SampleID {
			return store.ErrDuplicateKey
		}
	}
	s.errorContexts = append(s.errorContexts, *ec)
	return nil
}

func (s *Store) CreateBreadcrumbs(_ context.Context, crumbs []models.Breadcrumb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.breadcrumbs = append(s.breadcrumbs, crumbs...)
	return nil
}

func (s *Store) ListBreadcrumbs(_ context.Context, sampleID uuid.UUID) ([]*models.Breadcrumb, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Breadcrumb
	for _, b := range s.breadcrumbs {
		if b.SampleID == sampleID {
			out = append(out, &b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, &k)
		}
	}
	return out, nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, k := range s.apiKeys {
		if k.ID == key.ID {
			return store.ErrDuplicateKey
		}
	}
	s.apiKeys = append(s.apiKeys, *key)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	now := time.Now().UTC()
	for i := range s.apiKeys {
		if s.apiKeys[i].ID == id {
			s.apiKeys[i].LastUsedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

// --- inspection helpers for tests and debugging ---

// Groups returns a copy of every group row, including duplicates.
func (s *Store) Groups() []models.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Group(nil), s.groups...)
}

// Samples returns a copy of every sample row.
func (s *Store) Samples() []models.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Sample(nil), s.samples...)
}

// ErrorContexts returns a copy of every error context row.
func (s *Store) ErrorContexts() []models.ErrorContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ErrorContext(nil), s.errorContexts...)
}

// Breadcrumbs returns a copy of every breadcrumb row in insertion order.
func (s *Store) Breadcrumbs() []models.Breadcrumb {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Breadcrumb(nil), s.breadcrumbs...)
}

// SessionCount returns the number of session rows for a group.
func (s *Store) SessionCount(groupID uuid.UUID) int {
	n, _ := s.CountGroupSessions(context.Background(), groupID)
	return n
}

// DailyCount returns the stat counter for (groupID, date).
func (s *Store) DailyCount(groupID uuid.UUID, date string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[statKey{groupID: groupID, date: date}]
}

// Writes returns the number of mutating calls made so far.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
