package fallback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Record(ctx, 7, "e1", map[string]string{"event_id": "e1"}))
	require.NoError(t, s.Record(ctx, 7, "e2", map[string]string{"event_id": "e2"}))

	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "e1", due[0].EventID)
	assert.Equal(t, int64(7), due[0].BatchID)
	assert.Equal(t, "e1", due[0].Fields["event_id"])
}

func TestStore_DueRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, 1, "e", map[string]string{}))
	}
	due, err := s.Due(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestStore_ResolveRemovesEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Record(ctx, 1, "e1", map[string]string{}))
	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.Resolve(ctx, due[0].ID))

	due, err = s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStore_BumpAttemptIncrements(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Record(ctx, 1, "e1", map[string]string{}))
	due, err := s.Due(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, due[0].Attempts)

	require.NoError(t, s.BumpAttempt(ctx, due[0].ID))
	due, err = s.Due(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, due[0].Attempts)
}
