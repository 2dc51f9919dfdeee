package cdcwire

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func TestEncodeDecode_InlinePayloadRoundTrips(t *testing.T) {
	rec := eventmodel.CDCRecord{
		CDCID:             "1-0",
		EventID:           "e1",
		Platform:          "cursor",
		ExternalSessionID: "s-1",
		EventType:         eventmodel.EventUserPrompt,
		BatchID:           1,
		EnqueuedAt:        time.Now().UTC().Truncate(time.Millisecond),
		InlinePayload:     map[string]any{"prompt_length": float64(12)},
	}

	fields, err := Encode(rec)
	require.NoError(t, err)

	got, err := Decode(fields)
	require.NoError(t, err)

	assert.Equal(t, rec.CDCID, got.CDCID)
	assert.Equal(t, rec.EventID, got.EventID)
	assert.Equal(t, rec.Platform, got.Platform)
	assert.Equal(t, rec.ExternalSessionID, got.ExternalSessionID)
	assert.Equal(t, rec.EventType, got.EventType)
	assert.Equal(t, rec.BatchID, got.BatchID)
	assert.True(t, rec.EnqueuedAt.Equal(got.EnqueuedAt))
	assert.Equal(t, rec.InlinePayload, got.InlinePayload)
	assert.Nil(t, got.PayloadRef)
}

func TestEncodeDecode_PayloadRefRoundTrips(t *testing.T) {
	rec := eventmodel.CDCRecord{
		CDCID:             "2-0",
		EventID:           "e2",
		Platform:          "cursor",
		ExternalSessionID: "s-1",
		EventType:         eventmodel.EventToolPre,
		BatchID:           2,
		EnqueuedAt:        time.Now().UTC().Truncate(time.Millisecond),
		PayloadRef:        &eventmodel.PayloadRef{BatchID: 2, Index: 5},
	}

	fields, err := Encode(rec)
	require.NoError(t, err)
	assert.Empty(t, fields["payload_inline"])

	got, err := Decode(fields)
	require.NoError(t, err)
	require.NotNil(t, got.PayloadRef)
	assert.Equal(t, int64(2), got.PayloadRef.BatchID)
	assert.Equal(t, 5, got.PayloadRef.Index)
}

func TestDecode_RejectsMalformedBatchID(t *testing.T) {
	fields := map[string]string{
		"cdc_id":      "1-0",
		"event_id":    "e1",
		"batch_id":    "not-a-number",
		"enqueued_at": time.Now().Format(time.RFC3339Nano),
	}
	_, err := Decode(fields)
	assert.Error(t, err)
}

func TestDecode_RejectsMalformedTimestamp(t *testing.T) {
	fields := map[string]string{
		"cdc_id":      "1-0",
		"event_id":    "e1",
		"batch_id":    "1",
		"enqueued_at": "not-a-timestamp",
	}
	_, err := Decode(fields)
	assert.Error(t, err)
}

func TestToEvent_InlinePayloadNeverCallsResolver(t *testing.T) {
	rec := eventmodel.CDCRecord{
		EventID:       "e1",
		InlinePayload: map[string]any{"a": "b"},
	}
	called := false
	ev, err := ToEvent(rec, func() (map[string]any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, rec.InlinePayload, ev.Payload)
}

func TestToEvent_PayloadRefCallsResolver(t *testing.T) {
	rec := eventmodel.CDCRecord{
		EventID:    "e1",
		PayloadRef: &eventmodel.PayloadRef{BatchID: 1, Index: 0},
	}
	resolved := map[string]any{"x": float64(1)}
	ev, err := ToEvent(rec, func() (map[string]any, error) {
		return resolved, nil
	})
	require.NoError(t, err)
	assert.Equal(t, resolved, ev.Payload)
}

func TestToEvent_PropagatesResolverError(t *testing.T) {
	rec := eventmodel.CDCRecord{
		EventID:    "e1",
		PayloadRef: &eventmodel.PayloadRef{BatchID: 1, Index: 0},
	}
	_, err := ToEvent(rec, func() (map[string]any, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
}
