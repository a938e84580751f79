package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MetadataSessionID is the metadata key the effective session id is stored under.
// Samples have no session column.
const MetadataSessionID = "session_id"

// Sample is a retained full-detail snapshot of one occurrence. Immutable once created.
type Sample struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	GroupID          uuid.UUID       `db:"group_id"          json:"group_id"`
	UserID           string          `db:"user_id"           json:"user_id"`
	Metadata         map[string]any  `db:"metadata"          json:"metadata"`
	Bubble           json.RawMessage `db:"bubble"            json:"bubble"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	Location
	Environment      string `db:"environment"       json:"environment"`
	IsEnhanced       bool   `db:"is_enhanced"       json:"is_enhanced"`
	BreadcrumbsCount int    `db:"breadcrumbs_count" json:"breadcrumbs_count"`
}

// SessionID returns the effective session id folded into the sample metadata.
func (s *Sample) SessionID() string {
	v, _ := s.Metadata[MetadataSessionID].(string)
	return v
}

// ErrorContext is the enhanced diagnostic snapshot attached to a sample.
type ErrorContext struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	SampleID        uuid.UUID       `db:"sample_id"        json:"sample_id"`
	BrowserState    json.RawMessage `db:"browser_state"    json:"browser_state,omitempty"`
	MemoryUsage     json.RawMessage `db:"memory_usage"     json:"memory_usage,omitempty"`
	NetworkInfo     json.RawMessage `db:"network_info"     json:"network_info,omitempty"`
	PerformanceInfo json.RawMessage `db:"performance_info" json:"performance_info,omitempty"`
	BubbleContext   json.RawMessage `db:"bubble_context"   json:"bubble_context,omitempty"`
	EnhancedVersion int             `db:"enhanced_version" json:"enhanced_version"`
}

// Breadcrumb is one entry of the ordered trail preceding an error.
type Breadcrumb struct {
	ID          uuid.UUID       `db:"id"               json:"id"`
	SampleID    uuid.UUID       `db:"sample_id"        json:"sample_id"`
	Type        string          `db:"breadcrumb_type"  json:"type"`
	Level       string          `db:"breadcrumb_level" json:"level"`
	Data        json.RawMessage `db:"breadcrumb_data"  json:"data,omitempty"`
	TimestampMs int64           `db:"timestamp_ms"     json:"timestamp_ms"`
	Position    int             `db:"position"         json:"position"`
}
