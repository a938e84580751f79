package ingest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/pkg/models"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns sess_<unix millis>_<9 base36 chars>.
func NewSessionID(now time.Time) string {
	var b strings.Builder
	b.WriteString("sess_")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	for range 9 {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}

// SessionTracker keeps the distinct-session set of each group and derives
// affected_user_count from it.
type SessionTracker struct {
	store store.Store
}

func NewSessionTracker(s store.Store) *SessionTracker {
	return &SessionTracker{store: s}
}

// Record adds sessionID to the group's set (a no-op if already present), then
// recounts and persists affected_user_count. The recount runs even when the
// session was already known.
func (t *SessionTracker) Record(ctx context.Context, groupID uuid.UUID, sessionID string, now time.Time) error {
	_, err := t.store.InsertGroupSession(ctx, &models.GroupSession{
		GroupID:   groupID,
		SessionID: sessionID,
		FirstSeen: now,
	})
	if err != nil {
		return fmt.Errorf("recording session: %w", err)
	}

	n, err := t.store.CountGroupSessions(ctx, groupID)
	if err != nil {
		return fmt.Errorf("counting sessions: %w", err)
	}
	if err := t.store.SetAffectedUserCount(ctx, groupID, n); err != nil {
		return fmt.Errorf("updating affected user count: %w", err)
	}
	return nil
}
