package custody

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/metricstore"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "custody.db")
	store, err := metricstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store, "minute")
}

func TestLedger_NoChainBreakWhenBalanced(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.IngressEnqueued(ctx, "e1", now))
	require.NoError(t, l.RawPersisted(ctx, "e1", now))
	require.NoError(t, l.CDCPublished(ctx, "e1", now))
	require.NoError(t, l.DerivedApplied(ctx, "e1", dedup.BuilderConversation, now))

	snap, err := l.ReadSlidingHour(ctx, now)
	require.NoError(t, err)
	assert.False(t, snap.ChainBreak)
	assert.Equal(t, int64(1), snap.IngressEnqueued)
	assert.Equal(t, int64(1), snap.RawPersisted)
}

func TestLedger_DLQAbsorbsGapWithoutChainBreak(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.IngressEnqueued(ctx, "e1", now))
	require.NoError(t, l.DLQTotal(ctx, "e1", "fast_path", now))

	snap, err := l.ReadSlidingHour(ctx, now)
	require.NoError(t, err)
	assert.False(t, snap.ChainBreak, "a DLQ'd event accounts for the gap between ingress and raw persistence")
}

func TestLedger_ChainBreakWhenPersistedFallsBehind(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.IngressEnqueued(ctx, "e1", now))
	require.NoError(t, l.IngressEnqueued(ctx, "e2", now))
	// e2 neither persisted nor dead-lettered: a real gap.

	snap, err := l.ReadSlidingHour(ctx, now)
	require.NoError(t, err)
	assert.True(t, snap.ChainBreak)
}

func TestLedger_IdempotentOnReapplication(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.IngressEnqueued(ctx, "e1", now))
	require.NoError(t, l.IngressEnqueued(ctx, "e1", now))

	snap, err := l.ReadSlidingHour(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.IngressEnqueued)
}
