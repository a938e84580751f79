package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultMaxBatch is the largest number of occurrences accepted in one envelope.
const DefaultMaxBatch = 50

// Batch is a decoded, structurally valid envelope.
type Batch struct {
	Version     int
	Occurrences []Occurrence
}

// Occurrence is one reported bubble. Unknown or malformed optional fields are
// tolerated; only the envelope shape is enforced. Identifiers may arrive as
// JSON numbers and are kept as their decimal text.
type Occurrence struct {
	Fingerprint string          `json:"fp"`
	Code        string          `json:"code"`
	Message     string          `json:"msg"`
	Level       string          `json:"level"`
	Count       *int            `json:"count"`
	Priority    *string         `json:"priority"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id"`
	Metadata    map[string]any  `json:"metadata"`
	Bubble      json.RawMessage `json:"bubble"`
	Source      string          `json:"source"`

	PageName        *string `json:"page_name"`
	EventPath       *string `json:"event_path"`
	ElementName     *string `json:"element_name"`
	WorkflowID      *string `json:"workflow_id"`
	ElementBubbleID *string `json:"element_bubble_id"`

	EnhancedVersion int             `json:"enhanced_version"`
	BrowserState    json.RawMessage `json:"browser_state"`
	MemoryUsage     json.RawMessage `json:"memory_usage"`
	NetworkInfo     json.RawMessage `json:"network_info"`
	PerformanceInfo json.RawMessage `json:"performance_info"`
	Breadcrumbs     []Breadcrumb    `json:"breadcrumbs"`
}

// Breadcrumb is one trail entry as sent by the SDK. Timestamp is Unix
// milliseconds; fractional values (performance.now based clocks) are rounded.
type Breadcrumb struct {
	Type      string          `json:"type"`
	Level     string          `json:"level"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// envelope accepts the array under either key. "payloads" is what shipped
// SDKs send.
type envelope struct {
	Version     json.RawMessage `json:"version"`
	Occurrences json.RawMessage `json:"occurrences"`
	Payloads    json.RawMessage `json:"payloads"`
}

// Decode parses and validates a batch envelope. The array must be present,
// be a JSON array, and hold between 1 and maxBatch elements. Elements that do
// not decode as objects are kept as zero occurrences and processed best-effort.
func Decode(body []byte, maxBatch int) (*Batch, error) {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	// Every envelope field is raw, so this only fails on bad syntax or a
	// top-level value that is not an object.
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}

	raw := env.Occurrences
	if isAbsent(raw) {
		raw = env.Payloads
	}
	if isAbsent(raw) {
		return nil, fmt.Errorf("%w: occurrences missing", ErrInvalidPayload)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: occurrences must be an array", ErrInvalidPayload)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: occurrences is empty", ErrInvalidPayload)
	}
	if len(elems) > maxBatch {
		return nil, fmt.Errorf("%w: %d occurrences exceeds limit of %d", ErrInvalidPayload, len(elems), maxBatch)
	}

	batch := &Batch{Version: parseVersion(env.Version), Occurrences: make([]Occurrence, len(elems))}
	for i, e := range elems {
		// A bad element only loses its own fields.
		_ = json.Unmarshal(e, &batch.Occurrences[i])
	}
	return batch, nil
}

// parseVersion reads the envelope version leniently: an integer, an integral
// float, or a numeric string. Anything else is version 1.
func parseVersion(raw json.RawMessage) int {
	if isAbsent(raw) {
		return 1
	}
	v, ok := parseLooseInt(raw)
	if !ok {
		return 1
	}
	return int(v)
}

func (o *Occurrence) UnmarshalJSON(data []byte) error {
	type plain Occurrence
	aux := struct {
		*plain
		Fingerprint     looseString `json:"fp"`
		UserID          looseString `json:"user_id"`
		SessionID       looseString `json:"session_id"`
		Count           *looseInt   `json:"count"`
		EnhancedVersion looseInt    `json:"enhanced_version"`
	}{plain: (*plain)(o)}

	err := json.Unmarshal(data, &aux)
	o.Fingerprint = string(aux.Fingerprint)
	o.UserID = string(aux.UserID)
	o.SessionID = string(aux.SessionID)
	o.EnhancedVersion = int(aux.EnhancedVersion)
	if aux.Count != nil {
		c := int(*aux.Count)
		o.Count = &c
	}
	return err
}

func (b *Breadcrumb) UnmarshalJSON(data []byte) error {
	type plain Breadcrumb
	aux := struct {
		*plain
		Timestamp looseInt `json:"timestamp"`
	}{plain: (*plain)(b)}

	err := json.Unmarshal(data, &aux)
	b.Timestamp = int64(aux.Timestamp)

	// A mistyped crumb must not abort decoding of the occurrence around it.
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return nil
	}
	return err
}

// looseString takes a JSON string or number. Other values leave it empty.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*s = looseString(n.String())
	}
	return nil
}

// looseInt takes a JSON number, rounded to the nearest integer, or a numeric
// string. Other values leave it zero.
type looseInt int64

func (n *looseInt) UnmarshalJSON(b []byte) error {
	if v, ok := parseLooseInt(b); ok {
		*n = looseInt(v)
	}
	return nil
}

func parseLooseInt(b []byte) (int64, bool) {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, false
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	}
	f = math.Round(f)
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func isAbsent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// EffectiveCount is the occurrence count, defaulting to 1. Values below 1 are
// treated as 1, which departs from the SDK wire value: a client that sends
// count 0 or a negative count still adds one to the group total, so
// dashboard totals can exceed the sum of counts the client reported.
func (o *Occurrence) EffectiveCount() int {
	if o.Count == nil || *o.Count < 1 {
		return 1
	}
	return *o.Count
}

// Enhanced reports whether the occurrence uses the rich diagnostic schema.
// Both the envelope and the occurrence must be at version 2 or later.
func (o *Occurrence) Enhanced(batchVersion int) bool {
	return batchVersion >= 2 && o.EnhancedVersion >= 2
}

// HasDiagnostics reports whether any diagnostic snapshot is present.
func (o *Occurrence) HasDiagnostics() bool {
	return present(o.BrowserState) || present(o.MemoryUsage) ||
		present(o.NetworkInfo) || present(o.PerformanceInfo)
}

// Environment is metadata.environment, or "unknown".
func (o *Occurrence) Environment() string {
	if env, ok := o.Metadata["environment"].(string); ok && env != "" {
		return env
	}
	return "unknown"
}

// SourceOrDefault is the source tag, defaulting to "frontend".
func (o *Occurrence) SourceOrDefault() string {
	if o.Source == "" {
		return "frontend"
	}
	return o.Source
}

func present(raw json.RawMessage) bool {
	return !isAbsent(raw)
}
