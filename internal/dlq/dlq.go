// Package dlq holds the Dead-Letter Stream (component G): an append-only,
// indefinite-retention record of events that could not be processed, per
// spec.md §4.5.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/classify"
	"github.com/blueplane/telemetry-core/internal/eventmodel"
	"github.com/blueplane/telemetry-core/internal/streams"
)

// Stage identifies which pipeline component gave up on the event.
type Stage string

const (
	StageFastPath           Stage = "fast_path"
	StageConversationBuilder Stage = "conversation_builder"
	StageMetricsAggregator   Stage = "metrics_aggregator"
)

// Record is one dead-lettered event.
type Record struct {
	EventID           string
	Platform          string
	ExternalSessionID string
	Payload           map[string]any
	Stage             Stage
	ErrorKind         string
	At                time.Time
}

// Stream appends Records to a durable backing stream.
type Stream struct {
	stream streams.Stream
}

// New wraps a durable stream as the DLQ.
func New(stream streams.Stream) *Stream {
	return &Stream{stream: stream}
}

// Append writes a Record derived from ev and err at the given stage. The
// error's classification is recorded as the error kind.
func (s *Stream) Append(ctx context.Context, ev eventmodel.Event, stage Stage, err error) error {
	payload, marshalErr := json.Marshal(ev.Payload)
	if marshalErr != nil {
		payload = []byte("{}")
	}

	fields := map[string]string{
		"event_id":            ev.EventID,
		"platform":            ev.Platform,
		"external_session_id": ev.ExternalSessionID,
		"event_type":          string(ev.EventType),
		"payload":             string(payload),
		"stage":               string(stage),
		"error_kind":          classify.Classify(err).String(),
		"error_message":       err.Error(),
		"at":                  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, appendErr := s.stream.Append(ctx, fields); appendErr != nil {
		return fmt.Errorf("dlq: append record for event %s: %w", ev.EventID, appendErr)
	}
	return nil
}

// Len reports the current DLQ depth.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.stream.Len(ctx)
}
