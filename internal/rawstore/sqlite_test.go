package rawstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvents(n int, platform, session string) []eventmodel.Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := make([]eventmodel.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, eventmodel.Event{
			EventID:           "e" + string(rune('0'+i)),
			EnqueuedAt:        base.Add(time.Duration(i) * time.Second),
			Platform:          platform,
			ExternalSessionID: session,
			EventType:         eventmodel.EventUserPrompt,
			Payload:           map[string]any{"prompt_length": float64(i)},
		})
	}
	return events
}

func TestSQLiteStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	events := sampleEvents(3, "cursor", "s-1")
	batchID, err := s.Append(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batchID)

	got, err := s.Read(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, events[0].EventID, got[0].EventID)
}

func TestSQLiteStore_BatchIDStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id1, err := s.Append(ctx, sampleEvents(1, "cursor", "s-1"))
	require.NoError(t, err)
	id2, err := s.Append(ctx, sampleEvents(1, "cursor", "s-1"))
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestSQLiteStore_SingleEventBatch(t *testing.T) {
	// Boundary behavior: a single event is persisted as a 1-event batch.
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Append(ctx, sampleEvents(1, "cursor", "s-1"))
	require.NoError(t, err)

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSQLiteStore_ReadAtResolvesIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	events := sampleEvents(3, "cursor", "s-1")
	id, err := s.Append(ctx, events)
	require.NoError(t, err)

	got, err := s.ReadAt(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, events[1].EventID, got.EventID)
}

func TestSQLiteStore_ScanFiltersBySession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Append(ctx, sampleEvents(2, "cursor", "s-1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, sampleEvents(2, "cursor", "s-2"))
	require.NoError(t, err)

	got, err := s.Scan(ctx, "cursor", "s-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "s-1", e.ExternalSessionID)
	}
}

func TestSQLiteStore_EmptyBatchRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Append(ctx, nil)
	assert.Error(t, err)
}

func TestSQLiteStore_RoundTripPreservesEventCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	events := sampleEvents(5, "claude-code", "s-3")
	id, err := s.Append(ctx, events)
	require.NoError(t, err)

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, len(events), len(got))
	for i := range events {
		assert.Equal(t, events[i].EventID, got[i].EventID)
		assert.Equal(t, events[i].Payload["prompt_length"], got[i].Payload["prompt_length"])
	}
}
