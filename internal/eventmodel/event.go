// Package eventmodel defines the wire and domain types shared across the
// telemetry core: ingress events, raw trace records, CDC records, sessions,
// conversation turns, and metrics. Payloads are carried as opaque key-value
// maps with typed accessors at the few call sites that need specific fields
// (builder code); the event_type enumeration is extensible by design and we
// never promote it to a closed sum type.
package eventmodel

import "time"

// EventType is the fixed-but-extensible enumeration from the capture-agent
// wire schema. Unknown values are valid: they are persisted unchanged and
// ignored (not rejected) by the derived-state builders.
type EventType string

const (
	EventSessionStart       EventType = "SessionStart"
	EventSessionEnd         EventType = "SessionEnd"
	EventUserPrompt         EventType = "UserPrompt"
	EventAssistantResponse  EventType = "AssistantResponse"
	EventToolPre            EventType = "ToolPre"
	EventToolPost           EventType = "ToolPost"
	EventFileEdit           EventType = "FileEdit"
	EventShellPre           EventType = "ShellPre"
	EventShellPost          EventType = "ShellPost"
	EventContextCompact     EventType = "ContextCompact"
)

// Event is the unit produced by capture agents and read off the ingress
// stream. Duplicates of EventID are tolerated; they are deduplicated at the
// derived-state layer via (event_id, builder_id) idempotence keys, not
// rejected at ingress.
type Event struct {
	EventID           string         `json:"event_id"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
	Platform          string         `json:"platform"`
	ExternalSessionID string         `json:"external_session_id"`
	EventType         EventType      `json:"event_type"`
	Payload           map[string]any `json:"payload"`
	RetryCount        int            `json:"retry_count"`
}

// StringField returns a string payload field, or "" if absent/wrong type.
func (e Event) StringField(key string) string {
	v, ok := e.Payload[key].(string)
	if !ok {
		return ""
	}
	return v
}

// IntField returns an integer payload field, tolerating JSON's float64
// decoding, or 0 if absent/wrong type.
func (e Event) IntField(key string) int64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// BoolField returns a boolean payload field, or false if absent/wrong type.
func (e Event) BoolField(key string) bool {
	v, _ := e.Payload[key].(bool)
	return v
}

// RawTraceRecord is the durable persisted form of a committed batch.
type RawTraceRecord struct {
	BatchID         int64
	WrittenAt       time.Time
	EventCount      int
	FirstEnqueuedAt time.Time
	LastEnqueuedAt  time.Time
	CodecVersion    byte
	Blob            []byte
}

// PayloadRefThreshold is the inline/by-reference boundary for CDC payloads:
// payloads marshaling to at most this many bytes are carried inline; larger
// ones carry a (batch_id, index) reference into the raw store. See
// SPEC_FULL.md §3 ("Resolved Open Question — inline payload threshold").
const PayloadRefThreshold = 4096

// PayloadRef points at an event inside a committed raw-store batch, used
// when a CDC record's payload exceeds PayloadRefThreshold.
type PayloadRef struct {
	BatchID int64 `json:"batch_id"`
	Index   int   `json:"index"`
}

// CDCRecord is the per-event change-data-capture notification published
// after a successful raw-store commit.
type CDCRecord struct {
	CDCID             string         `json:"cdc_id"`
	EventID           string         `json:"event_id"`
	Platform          string         `json:"platform"`
	ExternalSessionID string         `json:"external_session_id"`
	EventType         EventType      `json:"event_type"`
	BatchID           int64          `json:"batch_id"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
	InlinePayload     map[string]any `json:"inline_payload,omitempty"`
	PayloadRef        *PayloadRef    `json:"payload_ref,omitempty"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// Session is the logical grouping of events sharing (platform,
// external_session_id).
type Session struct {
	SessionKey        string
	Platform          string
	ExternalSessionID string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	Status            SessionStatus
}

// AcceptedState is the tri-state acceptance signal on a Turn.
type AcceptedState string

const (
	AcceptedUnknown  AcceptedState = "unknown"
	AcceptedAccepted AcceptedState = "accepted"
	AcceptedRejected AcceptedState = "rejected"
)

// ToolUse references a tool-invocation event observed inside a turn.
type ToolUse struct {
	EventID  string    `json:"event_id"`
	ToolName string    `json:"tool_name"`
	At       time.Time `json:"at"`
}

// Turn is the reconstructed pairing of a user prompt and its assistant
// response, plus any intervening tool invocations.
type Turn struct {
	SessionKey      string
	TurnID          string
	PromptEventID   string
	ResponseEventID string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ToolUses        []ToolUse
	Accepted        AcceptedState
}

// MetricScope is the aggregation scope a Metric is keyed under.
type MetricScope string

const (
	ScopeGlobal   MetricScope = "global"
	ScopeSession  MetricScope = "session"
	ScopeTool     MetricScope = "tool"
	ScopePlatform MetricScope = "platform"
)

// MetricKind distinguishes counters, gauges, and histograms.
type MetricKind string

const (
	KindCounter   MetricKind = "counter"
	KindGauge     MetricKind = "gauge"
	KindHistogram MetricKind = "histogram"
)

// Bucket is a time-window identifier a Metric is rolled up into.
type Bucket string

// BucketFor truncates t to the given granularity ("minute", "hour", "day")
// and renders it as a sortable bucket identifier.
func BucketFor(t time.Time, granularity string) Bucket {
	t = t.UTC()
	switch granularity {
	case "day":
		return Bucket(t.Format("2006-01-02"))
	case "hour":
		return Bucket(t.Format("2006-01-02T15"))
	default:
		return Bucket(t.Format("2006-01-02T15:04"))
	}
}
