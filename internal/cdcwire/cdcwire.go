// Package cdcwire defines the wire encoding of CDC records (spec.md §3,
// §6.1) shared between the fast-path writer (producer) and the worker pool
// (consumer), plus the payload_ref resolution that bridges the two.
package cdcwire

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// Encode renders a CDCRecord as the flat string-keyed field map the
// underlying stream transport carries.
func Encode(rec eventmodel.CDCRecord) (map[string]string, error) {
	fields := map[string]string{
		"cdc_id":              rec.CDCID,
		"event_id":            rec.EventID,
		"platform":            rec.Platform,
		"external_session_id": rec.ExternalSessionID,
		"event_type":          string(rec.EventType),
		"batch_id":            strconv.FormatInt(rec.BatchID, 10),
		"enqueued_at":         rec.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}

	if rec.PayloadRef != nil {
		fields["payload_ref_batch_id"] = strconv.FormatInt(rec.PayloadRef.BatchID, 10)
		fields["payload_ref_index"] = strconv.Itoa(rec.PayloadRef.Index)
		return fields, nil
	}

	inline, err := json.Marshal(rec.InlinePayload)
	if err != nil {
		return nil, fmt.Errorf("cdcwire: marshal inline payload for %s: %w", rec.EventID, err)
	}
	fields["payload_inline"] = string(inline)
	return fields, nil
}

// Decode parses a flat field map back into a CDCRecord.
func Decode(fields map[string]string) (eventmodel.CDCRecord, error) {
	batchID, err := strconv.ParseInt(fields["batch_id"], 10, 64)
	if err != nil {
		return eventmodel.CDCRecord{}, fmt.Errorf("cdcwire: parse batch_id: %w", err)
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	if err != nil {
		return eventmodel.CDCRecord{}, fmt.Errorf("cdcwire: parse enqueued_at: %w", err)
	}

	rec := eventmodel.CDCRecord{
		CDCID:             fields["cdc_id"],
		EventID:           fields["event_id"],
		Platform:          fields["platform"],
		ExternalSessionID: fields["external_session_id"],
		EventType:         eventmodel.EventType(fields["event_type"]),
		BatchID:           batchID,
		EnqueuedAt:        enqueuedAt,
	}

	if refBatchID, ok := fields["payload_ref_batch_id"]; ok && refBatchID != "" {
		refIndex, err := strconv.Atoi(fields["payload_ref_index"])
		if err != nil {
			return eventmodel.CDCRecord{}, fmt.Errorf("cdcwire: parse payload_ref_index: %w", err)
		}
		parsedRefBatchID, err := strconv.ParseInt(refBatchID, 10, 64)
		if err != nil {
			return eventmodel.CDCRecord{}, fmt.Errorf("cdcwire: parse payload_ref_batch_id: %w", err)
		}
		rec.PayloadRef = &eventmodel.PayloadRef{BatchID: parsedRefBatchID, Index: refIndex}
		return rec, nil
	}

	var inline map[string]any
	if raw, ok := fields["payload_inline"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &inline); err != nil {
			return eventmodel.CDCRecord{}, fmt.Errorf("cdcwire: unmarshal inline payload: %w", err)
		}
	}
	rec.InlinePayload = inline
	return rec, nil
}

// RawReader resolves a payload_ref against the raw store. rawstore.Store
// satisfies this directly.
type RawReader interface {
	ReadAt(ctx context.Context, batchID int64, index int) (eventmodel.Event, error)
}

// ToEvent reconstructs the full Event a CDC record describes, resolving
// payload_ref against resolvePayload when the payload was not carried
// inline.
func ToEvent(rec eventmodel.CDCRecord, resolvePayload func() (map[string]any, error)) (eventmodel.Event, error) {
	payload := rec.InlinePayload
	if rec.PayloadRef != nil {
		resolved, err := resolvePayload()
		if err != nil {
			return eventmodel.Event{}, fmt.Errorf("cdcwire: resolve payload_ref for %s: %w", rec.EventID, err)
		}
		payload = resolved
	}
	return eventmodel.Event{
		EventID:           rec.EventID,
		EnqueuedAt:        rec.EnqueuedAt,
		Platform:          rec.Platform,
		ExternalSessionID: rec.ExternalSessionID,
		EventType:         rec.EventType,
		Payload:           payload,
	}, nil
}
