// Package convstore holds the Conversation Store (component B): sessions
// and conversation turns keyed by session, plus the Conversation Builder
// that reconstructs them from CDC records per the state machine in
// SPEC_FULL.md §4.4.1. Generalized from pkg/store/receipt_store_sqlite.go's
// migrate-on-construct shape onto the sessions/turns schema of spec.md §6.3.
package convstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// SessionKey hashes (platform, external_session_id) into the session_key
// identifier from spec.md §3. The recipe — SHA-256 truncated to 16 hex
// characters — is resolved from original_source/src/capture/shared/privacy.py's
// PrivacySanitizer.hash_value default (sha256, truncate=16).
func SessionKey(platform, externalSessionID string) string {
	sum := sha256.Sum256([]byte(platform + ":" + externalSessionID))
	return hex.EncodeToString(sum[:])[:16]
}

// Store is the Conversation Store contract.
type Store interface {
	// GetSession returns the session for key, or (nil, nil) if absent.
	GetSession(ctx context.Context, sessionKey string) (*eventmodel.Session, error)
	// PutSession upserts a session record.
	PutSession(ctx context.Context, s *eventmodel.Session) error

	// GetOpenTurn returns the most recent turn for a session that has no
	// CompletedAt set, or (nil, nil) if none is open.
	GetOpenTurn(ctx context.Context, sessionKey string) (*eventmodel.Turn, error)
	// GetLastTurn returns the most recently started turn for a session
	// regardless of open/closed state, or (nil, nil) if the session has no
	// turns yet.
	GetLastTurn(ctx context.Context, sessionKey string) (*eventmodel.Turn, error)
	// PutTurn upserts a turn record.
	PutTurn(ctx context.Context, t *eventmodel.Turn) error
	// ListTurns returns all turns for a session ordered by started_at.
	ListTurns(ctx context.Context, sessionKey string) ([]*eventmodel.Turn, error)

	Close() error
}
