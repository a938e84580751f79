package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Apps ---

func (s *PostgresStore) GetAppByPublicKey(ctx context.Context, publicKey string) (*models.App, error) {
	var a models.App
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, public_key, secret, created_at FROM apps WHERE public_key = $1`, publicKey,
	).Scan(&a.ID, &a.Name, &a.PublicKey, &a.Secret, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app by public key: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateApp(ctx context.Context, app *models.App) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO apps (id, name, public_key, secret, created_at) VALUES ($1, $2, $3, $4, $5)`,
		app.ID, app.Name, app.PublicKey, app.Secret, app.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}

// --- Groups ---

const groupColumns = `id, app_id, fingerprint, code, message, log_level, priority, first_seen, last_seen,
	count, affected_user_count, source, page_name, workflow_id, element_bubble_id, element_name, event_path, environment`

func scanGroup(row pgx.Row) (*models.Group, error) {
	var g models.Group
	err := row.Scan(&g.ID, &g.AppID, &g.Fingerprint, &g.Code, &g.Message, &g.Level, &g.Priority,
		&g.FirstSeen, &g.LastSeen, &g.Count, &g.AffectedUserCount, &g.Source,
		&g.PageName, &g.WorkflowID, &g.ElementBubbleID, &g.ElementName, &g.EventPath, &g.Environment)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// FindGroup returns the oldest group for (appID, fingerprint). Older rows win
// so that duplicates left by racing writers converge on one group.
func (s *PostgresStore) FindGroup(ctx context.Context, appID uuid.UUID, fingerprint string) (*models.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM monitor_log_groups
		 WHERE app_id = $1 AND fingerprint = $2 ORDER BY first_seen ASC, id ASC LIMIT 1`,
		appID, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, group *models.Group) (*models.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`INSERT INTO monitor_log_groups (`+groupColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING `+groupColumns,
		group.ID, group.AppID, group.Fingerprint, group.Code, group.Message, group.Level, group.Priority,
		group.FirstSeen, group.LastSeen, group.Count, group.AffectedUserCount, group.Source,
		group.PageName, group.WorkflowID, group.ElementBubbleID, group.ElementName, group.EventPath,
		group.Environment))
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) IncrementGroup(ctx context.Context, id uuid.UUID, count int, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitor_log_groups SET count = $2, last_seen = $3 WHERE id = $1`, id, count, lastSeen)
	if err != nil {
		return fmt.Errorf("increment group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAffectedUserCount(ctx context.Context, id uuid.UUID, n int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE monitor_log_groups SET affected_user_count = $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("set affected user count: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, filter GroupFilter) ([]*models.Group, int, error) {
	filter = filter.Normalize()

	conditions := []string{"app_id = $1"}
	args := []any{filter.AppID}
	argIdx := 2

	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("log_level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if filter.Environment != "" {
		conditions = append(conditions, fmt.Sprintf("environment = $%d", argIdx))
		args = append(args, filter.Environment)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_seen >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM monitor_log_groups WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM monitor_log_groups WHERE %s ORDER BY last_seen DESC LIMIT $%d OFFSET $%d`,
		groupColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, total, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID, appID uuid.UUID) (*models.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM monitor_log_groups WHERE id = $1 AND app_id = $2`, id, appID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// --- Sessions ---

func (s *PostgresStore) InsertGroupSession(ctx context.Context, session *models.GroupSession) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_group_sessions (group_id, session_id, first_seen) VALUES ($1, $2, $3)
		 ON CONFLICT (group_id, session_id) DO NOTHING`,
		session.GroupID, session.SessionID, session.FirstSeen)
	if err != nil {
		return false, fmt.Errorf("insert group session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountGroupSessions(ctx context.Context, groupID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM monitor_group_sessions WHERE group_id = $1`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count group sessions: %w", err)
	}
	return n, nil
}

// --- Daily stats ---

func (s *PostgresStore) UpsertDailyStat(ctx context.Context, groupID uuid.UUID, date string, count int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_log_group_stats (group_id, date, count) VALUES ($1, $2::text::date, $3)
		 ON CONFLICT (group_id, date) DO UPDATE SET count = monitor_log_group_stats.count + EXCLUDED.count`,
		groupID, date, count)
	if err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDailyStats(ctx context.Context, groupID uuid.UUID, days int) ([]*models.DailyStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, date::text, count FROM monitor_log_group_stats
		 WHERE group_id = $1 ORDER BY date DESC LIMIT $2`, groupID, days)
	if err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	defer rows.Close()

	var stats []*models.DailyStat
	for rows.Next() {
		var d models.DailyStat
		if err := rows.Scan(&d.GroupID, &d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// --- Samples ---

const sampleColumns = `id, group_id, user_id, metadata, bubble, created_at, page_name, workflow_id,
	element_bubble_id, element_name, event_path, environment, is_enhanced, breadcrumbs_count`

func (s *PostgresStore) HasSample(ctx context.Context, groupID uuid.UUID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM monitor_log_samples WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sample: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateSample(ctx context.Context, sample *models.Sample) (*models.Sample, error) {
	bubble := sample.Bubble
	if len(bubble) == 0 {
		bubble = []byte("{}")
	}
	var out models.Sample
	err := s.pool.QueryRow(ctx,
		`INSERT INTO monitor_log_samples (`+sampleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING `+sampleColumns,
		sample.ID, sample.GroupID, sample.UserID, sample.Metadata, string(bubble), sample.CreatedAt,
		sample.PageName, sample.WorkflowID, sample.ElementBubbleID, sample.ElementName, sample.EventPath,
		sample.Environment, sample.IsEnhanced, sample.BreadcrumbsCount,
	).Scan(&out.ID, &out.GroupID, &out.UserID, &out.Metadata, &out.Bubble, &out.CreatedAt,
		&out.PageName, &out.WorkflowID, &out.ElementBubbleID, &out.ElementName, &out.EventPath,
		&out.Environment, &out.IsEnhanced, &out.BreadcrumbsCount)
	if err != nil {
		return nil, fmt.Errorf("create sample: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListSamples(ctx context.Context, groupID uuid.UUID, limit int) ([]*models.Sample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sampleColumns+` FROM monitor_log_samples WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2`,
		groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.Sample
	for rows.Next() {
		var sm models.Sample
		if err := rows.Scan(&sm.ID, &sm.GroupID, &sm.UserID, &sm.Metadata, &sm.Bubble, &sm.CreatedAt,
			&sm.PageName, &sm.WorkflowID, &sm.ElementBubbleID, &sm.ElementName, &sm.EventPath,
			&sm.Environment, &sm.IsEnhanced, &sm.BreadcrumbsCount); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, &sm)
	}
	return samples, rows.Err()
}

func (s *PostgresStore) CreateErrorContext(ctx context.Context, ec *models.ErrorContext) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_error_context (id, sample_id, browser_state, memory_usage, network_info,
		   performance_info, bubble_context, enhanced_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ec.ID, ec.SampleID, jsonb(ec.BrowserState), jsonb(ec.MemoryUsage), jsonb(ec.NetworkInfo),
		jsonb(ec.PerformanceInfo), jsonb(ec.BubbleContext), ec.EnhancedVersion)
	if err != nil {
		return fmt.Errorf("create error context: %w", err)
	}
	return nil
}

// CreateBreadcrumbs writes one batch in a single statement.
func (s *PostgresStore) CreateBreadcrumbs(ctx context.Context, crumbs []models.Breadcrumb) error {
	if len(crumbs) == 0 {
		return nil
	}

	values := make([]string, 0, len(crumbs))
	args := make([]any, 0, len(crumbs)*7)
	for i, c := range crumbs {
		base := i * 7
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, c.ID, c.SampleID, c.Type, c.Level, jsonb(c.Data), c.TimestampMs, c.Position)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitor_error_breadcrumbs
		   (id, sample_id, breadcrumb_type, breadcrumb_level, breadcrumb_data, timestamp_ms, position)
		 VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("create breadcrumbs: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBreadcrumbs(ctx context.Context, sampleID uuid.UUID) ([]*models.Breadcrumb, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sample_id, breadcrumb_type, breadcrumb_level, breadcrumb_data, timestamp_ms, position
		 FROM monitor_error_breadcrumbs WHERE sample_id = $1 ORDER BY position ASC`, sampleID)
	if err != nil {
		return nil, fmt.Errorf("list breadcrumbs: %w", err)
	}
	defer rows.Close()

	var crumbs []*models.Breadcrumb
	for rows.Next() {
		var b models.Breadcrumb
		if err := rows.Scan(&b.ID, &b.SampleID, &b.Type, &b.Level, &b.Data, &b.TimestampMs, &b.Position); err != nil {
			return nil, fmt.Errorf("scan breadcrumb: %w", err)
		}
		crumbs = append(crumbs, &b)
	}
	return crumbs, rows.Err()
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, app_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AppID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, app_id, name, key_hash, key_prefix, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.AppID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// jsonb maps an empty raw message to SQL NULL.
func jsonb(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
