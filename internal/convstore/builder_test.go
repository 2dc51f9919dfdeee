package convstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

func newTestBuilder(t *testing.T) (*Builder, *SQLiteStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewBuilder(store), store
}

func ev(id string, t time.Time, typ eventmodel.EventType, platform, session string, payload map[string]any) eventmodel.Event {
	return eventmodel.Event{
		EventID:           id,
		EnqueuedAt:        t,
		Platform:          platform,
		ExternalSessionID: session,
		EventType:         typ,
		Payload:           payload,
	}
}

// Scenario A (spec.md §8): happy path prompt -> tool use -> response.
func TestBuilder_ScenarioA_HappyPath(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-a"

	require.NoError(t, b.Apply(ctx, ev("e1", base, eventmodel.EventSessionStart, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e2", base.Add(1*time.Second), eventmodel.EventUserPrompt, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e3", base.Add(2*time.Second), eventmodel.EventToolPre, platform, session,
		map[string]any{"tool_name": "read_file"})))
	require.NoError(t, b.Apply(ctx, ev("e4", base.Add(3*time.Second), eventmodel.EventAssistantResponse, platform, session, nil)))

	sessionKey := SessionKey(platform, session)
	turns, err := store.ListTurns(ctx, sessionKey)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	turn := turns[0]
	assert.Equal(t, "e2", turn.PromptEventID)
	assert.Equal(t, "e4", turn.ResponseEventID)
	assert.NotNil(t, turn.CompletedAt)
	require.Len(t, turn.ToolUses, 1)
	assert.Equal(t, "read_file", turn.ToolUses[0].ToolName)
	assert.Equal(t, eventmodel.AcceptedUnknown, turn.Accepted)
}

// Scenario B (spec.md §8): a FileEdit rejection marks the prior closed turn.
func TestBuilder_ScenarioB_RejectedSuggestion(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-b"

	require.NoError(t, b.Apply(ctx, ev("e1", base, eventmodel.EventUserPrompt, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e2", base.Add(1*time.Second), eventmodel.EventAssistantResponse, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e3", base.Add(2*time.Second), eventmodel.EventFileEdit, platform, session,
		map[string]any{"operation": "rejected"})))

	sessionKey := SessionKey(platform, session)
	turns, err := store.ListTurns(ctx, sessionKey)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, eventmodel.AcceptedRejected, turns[0].Accepted)
}

// Scenario C (spec.md §8): duplicate delivery of the same event_id, applied
// twice, must not create a second turn.
func TestBuilder_ScenarioC_DuplicateDeliveryIdempotent(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-c"

	prompt := ev("e1", base, eventmodel.EventUserPrompt, platform, session, nil)
	require.NoError(t, b.Apply(ctx, prompt))
	// Redelivery of the identical event (e.g. consumer crashed before ack).
	require.NoError(t, b.Apply(ctx, prompt))

	sessionKey := SessionKey(platform, session)
	turns, err := store.ListTurns(ctx, sessionKey)
	require.NoError(t, err)
	require.Len(t, turns, 1, "redelivering the same prompt event must not open a second turn")
}

// An overlapping prompt without an intervening response force-closes the
// prior turn as incomplete per spec.md §4.4.1.
func TestBuilder_OverlappingPromptForceClosesPriorTurn(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-d"

	require.NoError(t, b.Apply(ctx, ev("e1", base, eventmodel.EventUserPrompt, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e2", base.Add(5*time.Second), eventmodel.EventUserPrompt, platform, session, nil)))

	sessionKey := SessionKey(platform, session)
	turns, err := store.ListTurns(ctx, sessionKey)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.NotNil(t, turns[0].CompletedAt, "first turn should be force-closed as incomplete")
	assert.Equal(t, "e1", turns[0].PromptEventID)
	assert.Nil(t, turns[1].CompletedAt)
	assert.Equal(t, "e2", turns[1].PromptEventID)
}

func TestBuilder_SessionReopensAfterClose(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-e"

	require.NoError(t, b.Apply(ctx, ev("e1", base, eventmodel.EventSessionStart, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e2", base.Add(1*time.Second), eventmodel.EventSessionEnd, platform, session, nil)))
	require.NoError(t, b.Apply(ctx, ev("e3", base.Add(2*time.Second), eventmodel.EventUserPrompt, platform, session, nil)))

	sessionKey := SessionKey(platform, session)
	sess, err := store.GetSession(ctx, sessionKey)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, eventmodel.SessionOpen, sess.Status)
}

func TestBuilder_ToolUseWithNoOpenTurnIsDropped(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBuilder(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	platform, session := "cursor", "s-f"

	require.NoError(t, b.Apply(ctx, ev("e1", base, eventmodel.EventShellPre, platform, session,
		map[string]any{"command": "ls"})))

	sessionKey := SessionKey(platform, session)
	turns, err := store.ListTurns(ctx, sessionKey)
	require.NoError(t, err)
	assert.Len(t, turns, 0)
}
