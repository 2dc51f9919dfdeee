package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/eventmodel"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over the sessions/turns schema of
// spec.md §6.3.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the conversation store database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("convstore: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		external_session_id TEXT NOT NULL,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		status TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		session_key TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		prompt_event_id TEXT NOT NULL,
		response_event_id TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		accepted TEXT NOT NULL DEFAULT 'unknown',
		tool_uses_blob JSON NOT NULL DEFAULT '[]',
		PRIMARY KEY (session_key, turn_id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session_started ON turns(session_key, started_at);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("convstore: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionKey string) (*eventmodel.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, platform, external_session_id, first_seen_at, last_seen_at, status
		FROM sessions WHERE session_key = ?
	`, sessionKey)

	var sess eventmodel.Session
	var first, last string
	err := row.Scan(&sess.SessionKey, &sess.Platform, &sess.ExternalSessionID, &first, &last, &sess.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: get session %s: %w", sessionKey, err)
	}
	sess.FirstSeenAt = parseTime(first)
	sess.LastSeenAt = parseTime(last)
	return &sess, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess *eventmodel.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, platform, external_session_id, first_seen_at, last_seen_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			first_seen_at = MIN(first_seen_at, excluded.first_seen_at),
			last_seen_at = MAX(last_seen_at, excluded.last_seen_at),
			status = excluded.status
	`, sess.SessionKey, sess.Platform, sess.ExternalSessionID,
		sess.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		sess.LastSeenAt.UTC().Format(time.RFC3339Nano),
		sess.Status)
	if err != nil {
		return fmt.Errorf("convstore: put session %s: %w", sess.SessionKey, err)
	}
	return nil
}

func (s *SQLiteStore) GetOpenTurn(ctx context.Context, sessionKey string) (*eventmodel.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob
		FROM turns WHERE session_key = ? AND completed_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, sessionKey)
	return scanTurn(row)
}

func (s *SQLiteStore) GetLastTurn(ctx context.Context, sessionKey string) (*eventmodel.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob
		FROM turns WHERE session_key = ?
		ORDER BY started_at DESC LIMIT 1
	`, sessionKey)
	return scanTurn(row)
}

func (s *SQLiteStore) PutTurn(ctx context.Context, t *eventmodel.Turn) error {
	toolUses, err := json.Marshal(t.ToolUses)
	if err != nil {
		return fmt.Errorf("convstore: marshal tool_uses: %w", err)
	}

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key, turn_id) DO UPDATE SET
			response_event_id = excluded.response_event_id,
			completed_at = excluded.completed_at,
			accepted = excluded.accepted,
			tool_uses_blob = excluded.tool_uses_blob
	`, t.SessionKey, t.TurnID, t.PromptEventID, t.ResponseEventID,
		t.StartedAt.UTC().Format(time.RFC3339Nano), completedAt, string(t.Accepted), string(toolUses))
	if err != nil {
		return fmt.Errorf("convstore: put turn %s/%s: %w", t.SessionKey, t.TurnID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionKey string) ([]*eventmodel.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob
		FROM turns WHERE session_key = ? ORDER BY started_at ASC
	`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("convstore: list turns for %s: %w", sessionKey, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*eventmodel.Turn
	for rows.Next() {
		t, err := scanTurnRow(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*eventmodel.Turn, error) {
	t, err := scanTurnRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func scanTurnRow(row rowScanner) (*eventmodel.Turn, error) {
	var t eventmodel.Turn
	var started string
	var completed sql.NullString
	var accepted string
	var toolUsesBlob string

	err := row.Scan(&t.SessionKey, &t.TurnID, &t.PromptEventID, &t.ResponseEventID, &started, &completed, &accepted, &toolUsesBlob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("convstore: scan turn: %w", err)
	}

	t.StartedAt = parseTime(started)
	if completed.Valid && completed.String != "" {
		ct := parseTime(completed.String)
		t.CompletedAt = &ct
	}
	t.Accepted = eventmodel.AcceptedState(accepted)
	if toolUsesBlob != "" {
		_ = json.Unmarshal([]byte(toolUsesBlob), &t.ToolUses)
	}
	return &t, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
