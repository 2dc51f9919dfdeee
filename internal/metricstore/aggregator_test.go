package metricstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func newTestAggregator(t *testing.T) (*Aggregator, *SQLiteStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewAggregator(store, "minute"), store
}

func TestAggregator_EventsTotalCounts(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1", EventType: eventmodel.EventUserPrompt}
	require.NoError(t, a.Apply(ctx, ev))

	key := NewKey(eventmodel.ScopePlatform, "events_total", map[string]string{
		"platform": "cursor", "event_type": "UserPrompt",
	}, eventmodel.BucketFor(now, "minute"))
	v, err := store.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestAggregator_DuplicateEventDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1", EventType: eventmodel.EventUserPrompt}
	require.NoError(t, a.Apply(ctx, ev))
	require.NoError(t, a.Apply(ctx, ev))

	key := NewKey(eventmodel.ScopePlatform, "events_total", map[string]string{
		"platform": "cursor", "event_type": "UserPrompt",
	}, eventmodel.BucketFor(now, "minute"))
	v, err := store.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "reprocessing the same event must not double-count")
}

func TestAggregator_TokensTotal(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1",
		EventType: eventmodel.EventAssistantResponse,
		Payload:   map[string]any{"tokens_used": float64(30)},
	}
	require.NoError(t, a.Apply(ctx, ev))

	key := NewKey(eventmodel.ScopeSession, "tokens_total", map[string]string{"session": "s-1"}, eventmodel.BucketFor(now, "minute"))
	v, err := store.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
}

func TestAggregator_TokensTotalDuplicateDeliveryNotDoubled(t *testing.T) {
	// Scenario C (spec.md §8): tokens_total{session=s-1}=30, not 60.
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1",
		EventType: eventmodel.EventAssistantResponse,
		Payload:   map[string]any{"tokens_used": float64(30)},
	}
	require.NoError(t, a.Apply(ctx, ev))
	require.NoError(t, a.Apply(ctx, ev))

	key := NewKey(eventmodel.ScopeSession, "tokens_total", map[string]string{"session": "s-1"}, eventmodel.BucketFor(now, "minute"))
	v, err := store.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
}

func TestAggregator_SessionsActiveGauge(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, a.Apply(ctx, eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1", EventType: eventmodel.EventSessionStart,
	}))
	require.NoError(t, a.Apply(ctx, eventmodel.Event{
		EventID: "e2", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-2", EventType: eventmodel.EventSessionStart,
	}))

	key := NewKey(eventmodel.ScopeGlobal, "sessions_active", nil, "")
	v, err := store.GaugeValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	require.NoError(t, a.Apply(ctx, eventmodel.Event{
		EventID: "e3", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1", EventType: eventmodel.EventSessionEnd,
	}))
	v, err = store.GaugeValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)
}

func TestAggregator_ToolLatencyHistogram(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1",
		EventType: eventmodel.EventToolPost,
		Payload:   map[string]any{"tool_name": "read_file", "duration_ms": float64(800)},
	}
	require.NoError(t, a.Apply(ctx, ev))

	key := NewKey(eventmodel.ScopeTool, "tool_latency_ms", map[string]string{"tool_name": "read_file"}, eventmodel.BucketFor(now, "minute"))
	counts, err := store.HistogramCounts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[1024])
}

func TestAggregator_AcceptanceRate_RejectedSuggestion(t *testing.T) {
	// Scenario B (spec.md §8): acceptance_rate{scope=session:s-1} reflects
	// 0 accepted / 1 suggestion.
	ctx := context.Background()
	a, _ := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1",
		EventType: eventmodel.EventFileEdit,
		Payload:   map[string]any{"operation": "rejected"},
	}
	require.NoError(t, a.Apply(ctx, ev))

	rate, err := a.AcceptanceRate(ctx, "session:s-1", eventmodel.BucketFor(now, "minute"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestAggregator_AcceptanceRate_AcceptedSuggestion(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAggregator(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := eventmodel.Event{
		EventID: "e1", EnqueuedAt: now, Platform: "cursor", ExternalSessionID: "s-1",
		EventType: eventmodel.EventFileEdit,
		Payload:   map[string]any{"operation": "accepted"},
	}
	require.NoError(t, a.Apply(ctx, ev))

	rate, err := a.AcceptanceRate(ctx, "session:s-1", eventmodel.BucketFor(now, "minute"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}
