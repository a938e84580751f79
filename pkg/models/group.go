package models

import (
	"time"

	"github.com/google/uuid"
)

// Group is the deduplicated record for one fingerprint within one app.
// Count and AffectedUserCount are mutated on every occurrence; groups are never deleted.
type Group struct {
	ID                uuid.UUID `db:"id"                  json:"id"`
	AppID             uuid.UUID `db:"app_id"              json:"app_id"`
	Fingerprint       string    `db:"fingerprint"         json:"fingerprint"`
	Code              string    `db:"code"                json:"code"`
	Message           string    `db:"message"             json:"message"`
	Level             string    `db:"log_level"           json:"level"`
	Priority          *string   `db:"priority"            json:"priority,omitempty"`
	FirstSeen         time.Time `db:"first_seen"          json:"first_seen"`
	LastSeen          time.Time `db:"last_seen"           json:"last_seen"`
	Count             int       `db:"count"               json:"count"`
	AffectedUserCount int       `db:"affected_user_count" json:"affected_user_count"`
	Source            string    `db:"source"              json:"source"`
	Location
	Environment string `db:"environment" json:"environment"`
}

// Location identifies where in the client application an occurrence fired.
type Location struct {
	PageName        *string `db:"page_name"         json:"page_name,omitempty"`
	WorkflowID      *string `db:"workflow_id"       json:"workflow_id,omitempty"`
	ElementBubbleID *string `db:"element_bubble_id" json:"element_bubble_id,omitempty"`
	ElementName     *string `db:"element_name"      json:"element_name,omitempty"`
	EventPath       *string `db:"event_path"        json:"event_path,omitempty"`
}

// GroupSession records that a session was observed for a group.
// (GroupID, SessionID) is unique; rows are never updated or deleted.
type GroupSession struct {
	GroupID   uuid.UUID `db:"group_id"   json:"group_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
}

// DailyStat is the per-day occurrence counter for a group.
type DailyStat struct {
	GroupID uuid.UUID `db:"group_id" json:"group_id"`
	Date    string    `db:"date"     json:"date"` // YYYY-MM-DD, UTC
	Count   int       `db:"count"    json:"count"`
}
