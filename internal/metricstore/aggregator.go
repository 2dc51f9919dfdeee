package metricstore

import (
	"context"
	"fmt"

	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// Aggregator is the Metrics Aggregator builder (spec.md §4.4.2): it derives
// a delta set from one event and applies it to a Store. Granularity is the
// bucket width ("minute", "hour", or "day") deltas are recorded at.
type Aggregator struct {
	store       Store
	granularity string
}

// NewAggregator returns an Aggregator writing to store at the given bucket
// granularity.
func NewAggregator(store Store, granularity string) *Aggregator {
	return &Aggregator{store: store, granularity: granularity}
}

// ID identifies this builder to the dedup gate and the worker pool
// (workerpool.Builder).
func (a *Aggregator) ID() dedup.BuilderID { return dedup.BuilderMetrics }

// Apply computes and applies the mandatory metric deltas for ev.
func (a *Aggregator) Apply(ctx context.Context, ev eventmodel.Event) error {
	bucket := eventmodel.BucketFor(ev.EnqueuedAt, a.granularity)

	eventsTotal := NewKey(eventmodel.ScopePlatform, "events_total", map[string]string{
		"platform":   ev.Platform,
		"event_type": string(ev.EventType),
	}, bucket)
	if err := a.store.ApplyCounterDelta(ctx, ev.EventID, eventsTotal, 1); err != nil {
		return fmt.Errorf("metricstore: aggregator events_total: %w", err)
	}

	switch ev.EventType {
	case eventmodel.EventSessionStart:
		key := NewKey(eventmodel.ScopeGlobal, "sessions_active", nil, "")
		if err := a.store.ApplyGaugeDelta(ctx, ev.EventID, key, 1); err != nil {
			return fmt.Errorf("metricstore: aggregator sessions_active start: %w", err)
		}
	case eventmodel.EventSessionEnd:
		key := NewKey(eventmodel.ScopeGlobal, "sessions_active", nil, "")
		if err := a.store.ApplyGaugeDelta(ctx, ev.EventID, key, -1); err != nil {
			return fmt.Errorf("metricstore: aggregator sessions_active end: %w", err)
		}

	case eventmodel.EventAssistantResponse:
		tokens := ev.IntField("tokens_used")
		if tokens != 0 {
			key := NewKey(eventmodel.ScopeSession, "tokens_total", map[string]string{
				"session": ev.ExternalSessionID,
			}, bucket)
			if err := a.store.ApplyCounterDelta(ctx, ev.EventID, key, tokens); err != nil {
				return fmt.Errorf("metricstore: aggregator tokens_total: %w", err)
			}
		}

	case eventmodel.EventToolPre, eventmodel.EventToolPost:
		if durationMs := ev.IntField("duration_ms"); durationMs > 0 {
			toolName := ev.StringField("tool_name")
			key := NewKey(eventmodel.ScopeTool, "tool_latency_ms", map[string]string{
				"tool_name": toolName,
			}, bucket)
			if err := a.store.ObserveHistogram(ctx, ev.EventID, key, float64(durationMs)); err != nil {
				return fmt.Errorf("metricstore: aggregator tool_latency_ms: %w", err)
			}
		}

	case eventmodel.EventFileEdit:
		op := ev.StringField("operation")
		if op != "accepted" && op != "rejected" {
			return nil
		}
		scope := "session:" + ev.ExternalSessionID
		suggestionKey := NewKey(eventmodel.ScopeSession, "suggestion_total", map[string]string{"scope": scope}, bucket)
		if err := a.store.ApplyCounterDelta(ctx, ev.EventID, suggestionKey, 1); err != nil {
			return fmt.Errorf("metricstore: aggregator suggestion_total: %w", err)
		}
		if op == "accepted" {
			acceptedKey := NewKey(eventmodel.ScopeSession, "accepted_total", map[string]string{"scope": scope}, bucket)
			if err := a.store.ApplyCounterDelta(ctx, ev.EventID, acceptedKey, 1); err != nil {
				return fmt.Errorf("metricstore: aggregator accepted_total: %w", err)
			}
		}
	}

	return nil
}

// AcceptanceRate computes accepted_total / suggestion_total for scope
// (e.g. "session:s-1") from the counters of the given bucket only; it
// returns 0 when that bucket has no suggestions. acceptance_rate is a
// derived ratio rather than a stored metric of its own.
func (a *Aggregator) AcceptanceRate(ctx context.Context, scope string, bucket eventmodel.Bucket) (float64, error) {
	suggestionKey := NewKey(eventmodel.ScopeSession, "suggestion_total", map[string]string{"scope": scope}, bucket)
	acceptedKey := NewKey(eventmodel.ScopeSession, "accepted_total", map[string]string{"scope": scope}, bucket)

	suggestions, err := a.store.CounterValue(ctx, suggestionKey)
	if err != nil {
		return 0, err
	}
	if suggestions == 0 {
		return 0, nil
	}
	accepted, err := a.store.CounterValue(ctx, acceptedKey)
	if err != nil {
		return 0, err
	}
	return float64(accepted) / float64(suggestions), nil
}
