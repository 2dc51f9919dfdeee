// Package dedup provides the shared idempotence gate described in spec.md
// §3: a compact set of (event_id, builder_id) acknowledgements that lets
// every derived-state builder be called at-least-once without re-applying
// the same event twice. One gate serves all builders rather than each
// builder keeping its own dedup bookkeeping, so a CDC record redelivered
// after a crash (spec.md §8 Scenario C) is rejected uniformly regardless of
// which builder it targets.
package dedup

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// BuilderID names a derived-state builder for the purposes of the dedup
// gate. Each builder has its own acknowledgement space: the same event_id
// is independently tracked per builder, since the conversation builder and
// the metrics aggregator must each decide independently whether they have
// already applied an event.
type BuilderID string

const (
	BuilderConversation BuilderID = "conversation"
	BuilderMetrics      BuilderID = "metrics"
)

// Gate is the (event_id, builder_id) acknowledgement set.
type Gate struct {
	db *sql.DB
}

// Open opens (creating if necessary) the dedup gate database.
func Open(path string) (*Gate, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dedup: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("dedup: enable WAL: %w", err)
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS dedup_ack (
		event_id TEXT NOT NULL,
		builder_id TEXT NOT NULL,
		acked_at DATETIME NOT NULL,
		PRIMARY KEY (event_id, builder_id)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("dedup: migrate: %w", err)
	}
	return &Gate{db: db}, nil
}

// TryAcquire atomically checks whether (eventID, builder) has already been
// acknowledged and, if not, acknowledges it in the same statement. It
// returns true if this call acquired the right to apply the event (i.e. it
// is new), false if a prior call already claimed it.
//
// The INSERT ... ON CONFLICT DO NOTHING idiom makes this safe under
// concurrent callers racing on the same (event_id, builder_id): at most one
// caller's statement performs the insert, and sql.Result.RowsAffected
// distinguishes that caller from the ones that lost the race.
func (g *Gate) TryAcquire(ctx context.Context, eventID string, builder BuilderID) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO dedup_ack (event_id, builder_id, acked_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(event_id, builder_id) DO NOTHING
	`, eventID, string(builder))
	if err != nil {
		return false, fmt.Errorf("dedup: try acquire %s/%s: %w", eventID, builder, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: rows affected %s/%s: %w", eventID, builder, err)
	}
	return n > 0, nil
}

// Acknowledged reports whether (eventID, builder) has already been applied,
// without claiming it. Useful for read-only inspection and tests.
func (g *Gate) Acknowledged(ctx context.Context, eventID string, builder BuilderID) (bool, error) {
	var exists int
	err := g.db.QueryRowContext(ctx, `
		SELECT 1 FROM dedup_ack WHERE event_id = ? AND builder_id = ?
	`, eventID, string(builder)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup: acknowledged %s/%s: %w", eventID, builder, err)
	}
	return true, nil
}

func (g *Gate) Close() error { return g.db.Close() }
