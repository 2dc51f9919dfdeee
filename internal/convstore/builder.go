package convstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// Builder reconstructs conversations from individual events, implementing
// the per-session state machine of SPEC_FULL.md §4.4.1. Apply is safe to
// call concurrently for distinct sessions; per-session work is serialized
// with a session-keyed lock held only for the duration of one update, per
// the re-architecture guidance in spec.md §9 ("dynamic dispatch via
// duck-typed writer objects ... builders are parameterized by the store
// interface").
//
// Idempotence (re-applying the same event_id must be a no-op) is enforced
// by the caller via a dedup index keyed on (event_id, builder_id) before
// Apply is ever invoked; Builder itself assumes every call is for a new
// event.
type Builder struct {
	store Store

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBuilder returns a Builder backed by store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store, locks: make(map[string]*sync.Mutex)}
}

// ID identifies this builder to the dedup gate and the worker pool
// (workerpool.Builder).
func (b *Builder) ID() dedup.BuilderID { return dedup.BuilderConversation }

func (b *Builder) sessionLock(sessionKey string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	mu, ok := b.locks[sessionKey]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[sessionKey] = mu
	}
	return mu
}

// Apply folds one resolved event into the conversation store for its
// session.
func (b *Builder) Apply(ctx context.Context, ev eventmodel.Event) error {
	sessionKey := SessionKey(ev.Platform, ev.ExternalSessionID)
	mu := b.sessionLock(sessionKey)
	mu.Lock()
	defer mu.Unlock()

	sess, err := b.store.GetSession(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("convstore: builder load session: %w", err)
	}
	if sess == nil {
		// Any event before SessionStart implicitly creates the session,
		// open, per spec.md §3.
		sess = &eventmodel.Session{
			SessionKey:        sessionKey,
			Platform:          ev.Platform,
			ExternalSessionID: ev.ExternalSessionID,
			FirstSeenAt:       ev.EnqueuedAt,
			LastSeenAt:        ev.EnqueuedAt,
			Status:            eventmodel.SessionOpen,
		}
	} else {
		if ev.EnqueuedAt.After(sess.LastSeenAt) {
			sess.LastSeenAt = ev.EnqueuedAt
		}
		if ev.EnqueuedAt.Before(sess.FirstSeenAt) {
			sess.FirstSeenAt = ev.EnqueuedAt
		}
		if sess.Status == eventmodel.SessionClosed && ev.EventType != eventmodel.EventSessionEnd {
			// A closed session reopens on any further activity: silent-
			// failure agents reconnecting is expected, per spec.md §3.
			sess.Status = eventmodel.SessionOpen
		}
	}

	switch ev.EventType {
	case eventmodel.EventSessionStart:
		// A later SessionStart on an already-open session is absorbed:
		// no reset of session state.
	case eventmodel.EventSessionEnd:
		sess.Status = eventmodel.SessionClosed
	case eventmodel.EventUserPrompt:
		if err := b.openTurn(ctx, sessionKey, ev); err != nil {
			return err
		}
	case eventmodel.EventToolPre, eventmodel.EventToolPost, eventmodel.EventShellPre, eventmodel.EventShellPost:
		if err := b.appendToolUse(ctx, sessionKey, ev); err != nil {
			return err
		}
	case eventmodel.EventAssistantResponse:
		if err := b.closeTurn(ctx, sessionKey, ev); err != nil {
			return err
		}
	case eventmodel.EventFileEdit:
		if err := b.appendToolUse(ctx, sessionKey, ev); err != nil {
			return err
		}
		if err := b.applyAcceptanceSignal(ctx, sessionKey, ev); err != nil {
			return err
		}
	}

	if err := b.store.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("convstore: builder put session: %w", err)
	}
	return nil
}

// openTurn handles UserPrompt: force-close any still-open turn as
// incomplete, then open a new one. turn_id is derived deterministically
// from the prompt's event_id so re-deriving it is idempotent.
func (b *Builder) openTurn(ctx context.Context, sessionKey string, ev eventmodel.Event) error {
	open, err := b.store.GetOpenTurn(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("convstore: builder load open turn: %w", err)
	}
	if open != nil {
		completedAt := ev.EnqueuedAt
		open.CompletedAt = &completedAt
		if err := b.store.PutTurn(ctx, open); err != nil {
			return fmt.Errorf("convstore: builder close incomplete turn: %w", err)
		}
	}

	newTurn := &eventmodel.Turn{
		SessionKey:    sessionKey,
		TurnID:        "turn-" + ev.EventID,
		PromptEventID: ev.EventID,
		StartedAt:     ev.EnqueuedAt,
		Accepted:      eventmodel.AcceptedUnknown,
	}
	if err := b.store.PutTurn(ctx, newTurn); err != nil {
		return fmt.Errorf("convstore: builder open turn: %w", err)
	}
	return nil
}

// appendToolUse records a tool invocation against the currently open turn.
// Tool events observed with no open turn (e.g. a shell command run outside
// any prompt/response pair) are dropped: there is no turn to attach them
// to, and spec.md's Turn entity only defines tool_uses as references
// "occurring between prompt and response".
func (b *Builder) appendToolUse(ctx context.Context, sessionKey string, ev eventmodel.Event) error {
	open, err := b.store.GetOpenTurn(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("convstore: builder load open turn: %w", err)
	}
	if open == nil {
		return nil
	}
	toolName := ev.StringField("tool_name")
	if toolName == "" {
		toolName = string(ev.EventType)
	}
	open.ToolUses = append(open.ToolUses, eventmodel.ToolUse{
		EventID:  ev.EventID,
		ToolName: toolName,
		At:       ev.EnqueuedAt,
	})
	if err := b.store.PutTurn(ctx, open); err != nil {
		return fmt.Errorf("convstore: builder append tool use: %w", err)
	}
	return nil
}

// closeTurn handles AssistantResponse: pairs the response with the
// currently open turn, transitioning it to TURN_CLOSED.
func (b *Builder) closeTurn(ctx context.Context, sessionKey string, ev eventmodel.Event) error {
	open, err := b.store.GetOpenTurn(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("convstore: builder load open turn: %w", err)
	}
	if open == nil {
		// A response with no open prompt turn (out-of-order delivery, or a
		// response to a turn already force-closed) has nothing to pair
		// against; nothing to do.
		return nil
	}
	open.ResponseEventID = ev.EventID
	completedAt := ev.EnqueuedAt
	open.CompletedAt = &completedAt
	if err := b.store.PutTurn(ctx, open); err != nil {
		return fmt.Errorf("convstore: builder close turn: %w", err)
	}
	return nil
}

// applyAcceptanceSignal handles FileEdit operation=accepted|rejected: marks
// the most recently started turn's Accepted field, provided that turn is
// closed and its Accepted field is still unknown.
func (b *Builder) applyAcceptanceSignal(ctx context.Context, sessionKey string, ev eventmodel.Event) error {
	op := ev.StringField("operation")
	var accepted eventmodel.AcceptedState
	switch op {
	case "accepted":
		accepted = eventmodel.AcceptedAccepted
	case "rejected":
		accepted = eventmodel.AcceptedRejected
	default:
		return nil
	}

	last, err := b.store.GetLastTurn(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("convstore: builder load last turn: %w", err)
	}
	if last == nil || last.CompletedAt == nil || last.Accepted != eventmodel.AcceptedUnknown {
		return nil
	}
	last.Accepted = accepted
	if err := b.store.PutTurn(ctx, last); err != nil {
		return fmt.Errorf("convstore: builder apply acceptance: %w", err)
	}
	return nil
}
