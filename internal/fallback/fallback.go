// Package fallback implements the cdc_unpublished table described in
// spec.md §4.2: CDC append failures are recorded here, keyed by batch_id,
// rather than blocking ingress acknowledgement. A background sweeper
// (internal/recovery) periodically retries them.
package fallback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the single-writer SQLite-backed fallback log, following
// rawstore.SQLiteStore's migrate-on-construct shape.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the fallback log at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fallback: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("fallback: enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cdc_unpublished (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		fields TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cdc_unpublished_batch_id ON cdc_unpublished(batch_id);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("fallback: migrate: %w", err)
	}
	return nil
}

// Record persists a CDC record that failed to publish, keyed by the batch
// it belongs to, so it survives a process restart.
func (s *Store) Record(ctx context.Context, batchID int64, eventID string, fields map[string]string) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("fallback: marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cdc_unpublished (batch_id, event_id, fields, recorded_at, attempts)
		VALUES (?, ?, ?, ?, 0)
	`, batchID, eventID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fallback: record %s: %w", eventID, err)
	}
	return nil
}

// Pending is one unresolved entry awaiting republication.
type Pending struct {
	ID       int64
	BatchID  int64
	EventID  string
	Fields   map[string]string
	Attempts int
}

// Due returns up to limit pending entries, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, event_id, fields, attempts FROM cdc_unpublished
		ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fallback: due: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		var raw string
		if err := rows.Scan(&p.ID, &p.BatchID, &p.EventID, &raw, &p.Attempts); err != nil {
			return nil, fmt.Errorf("fallback: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &p.Fields); err != nil {
			return nil, fmt.Errorf("fallback: unmarshal fields for id %d: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve removes an entry once it has been republished successfully.
func (s *Store) Resolve(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cdc_unpublished WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("fallback: resolve %d: %w", id, err)
	}
	return nil
}

// BumpAttempt increments the retry counter after a failed republish.
func (s *Store) BumpAttempt(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cdc_unpublished SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("fallback: bump attempt %d: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
