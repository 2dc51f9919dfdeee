package fastpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
	"github.com/blueplane/telemetry-core/internal/streams"
)

// EncodeIngress renders an Event as the flat field map the ingress stream
// carries (spec.md §6.1). Capture agents are out of scope, but tests and
// any in-process producer use this to construct well-formed entries.
func EncodeIngress(ev eventmodel.Event) (map[string]string, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("fastpath: marshal payload for %s: %w", ev.EventID, err)
	}
	return map[string]string{
		"event_id":            ev.EventID,
		"enqueued_at":         ev.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"platform":            ev.Platform,
		"external_session_id": ev.ExternalSessionID,
		"event_type":          string(ev.EventType),
		"payload":             string(payload),
		"retry_count":         strconv.Itoa(ev.RetryCount),
	}, nil
}

func decodeIngressMessage(msg streams.Message) (eventmodel.Event, error) {
	fields := msg.Fields
	enqueuedAt, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	if err != nil {
		return eventmodel.Event{EventID: fields["event_id"]}, fmt.Errorf("fastpath: parse enqueued_at: %w", err)
	}

	var payload map[string]any
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return eventmodel.Event{EventID: fields["event_id"]}, fmt.Errorf("fastpath: unmarshal payload: %w", err)
		}
	}

	retryCount, _ := strconv.Atoi(fields["retry_count"])

	return eventmodel.Event{
		EventID:           fields["event_id"],
		EnqueuedAt:        enqueuedAt,
		Platform:          fields["platform"],
		ExternalSessionID: fields["external_session_id"],
		EventType:         eventmodel.EventType(fields["event_type"]),
		Payload:           payload,
		RetryCount:        retryCount,
	}, nil
}
