package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/blueplane/telemetry-core/internal/eventmodel"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-writer, multi-reader, crash-safe raw store
// backing component A. It follows pkg/store/receipt_store_sqlite.go's
// migrate-on-construct shape.
type SQLiteStore struct {
	db *sql.DB

	writeMu sync.Mutex // single-writer: one batch transaction at a time
	nextID  int64       // next batch_id to assign, seeded from MAX(batch_id)

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens (creating if necessary) a SQLite database at path, enables WAL
// journaling for crash-safety per SPEC_FULL.md §4.1, and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rawstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + WAL: serialize at the handle

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("rawstore: enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("rawstore: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("rawstore: init zstd decoder: %w", err)
	}
	s.encoder = enc
	s.decoder = dec

	last, err := s.LastBatchID(context.Background())
	if err != nil {
		return nil, err
	}
	s.nextID = last + 1

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS raw_batches (
		batch_id INTEGER PRIMARY KEY,
		written_at DATETIME NOT NULL,
		event_count INTEGER NOT NULL,
		first_enqueued_at DATETIME NOT NULL,
		last_enqueued_at DATETIME NOT NULL,
		codec_version INTEGER NOT NULL,
		blob BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_batches_written_at ON raw_batches(written_at);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("rawstore: migrate: %w", err)
	}
	return nil
}

// Append implements Store.Append. §4.1 requires the whole batch to commit
// inside a single transaction: a crash mid-transaction must roll back the
// whole batch, never persist a partial one.
func (s *SQLiteStore) Append(ctx context.Context, events []eventmodel.Event) (int64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("rawstore: cannot append an empty batch")
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("rawstore: marshal batch: %w", err)
	}
	blob := s.encoder.EncodeAll(raw, nil)

	first, last := events[0].EnqueuedAt, events[0].EnqueuedAt
	for _, e := range events {
		if e.EnqueuedAt.Before(first) {
			first = e.EnqueuedAt
		}
		if e.EnqueuedAt.After(last) {
			last = e.EnqueuedAt
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batchID := atomic.LoadInt64(&s.nextID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rawstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_batches (batch_id, written_at, event_count, first_enqueued_at, last_enqueued_at, codec_version, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, batchID, time.Now().UTC(), len(events), first.UTC(), last.UTC(), CodecVersionZstd, blob)
	if err != nil {
		return 0, fmt.Errorf("rawstore: insert batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rawstore: commit batch: %w", err)
	}

	atomic.StoreInt64(&s.nextID, batchID+1)
	return batchID, nil
}

func (s *SQLiteStore) Read(ctx context.Context, batchID int64) ([]eventmodel.Event, error) {
	var eventCount int
	var codecVersion byte
	var blob []byte

	row := s.db.QueryRowContext(ctx, `
		SELECT event_count, codec_version, blob FROM raw_batches WHERE batch_id = ?
	`, batchID)
	if err := row.Scan(&eventCount, &codecVersion, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("rawstore: batch %d not found", batchID)
		}
		return nil, fmt.Errorf("rawstore: read batch %d: %w", batchID, err)
	}
	if codecVersion != CodecVersionZstd {
		return nil, fmt.Errorf("rawstore: batch %d has unsupported codec_version %d", batchID, codecVersion)
	}

	raw, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("rawstore: decompress batch %d: %w", batchID, err)
	}

	var events []eventmodel.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("rawstore: unmarshal batch %d: %w", batchID, err)
	}
	if len(events) != eventCount {
		return nil, fmt.Errorf("rawstore: batch %d decompressed to %d events, expected %d", batchID, len(events), eventCount)
	}
	return events, nil
}

func (s *SQLiteStore) ReadAt(ctx context.Context, batchID int64, index int) (eventmodel.Event, error) {
	events, err := s.Read(ctx, batchID)
	if err != nil {
		return eventmodel.Event{}, err
	}
	if index < 0 || index >= len(events) {
		return eventmodel.Event{}, fmt.Errorf("rawstore: index %d out of range for batch %d (len %d)", index, batchID, len(events))
	}
	return events[index], nil
}

// Scan returns events for a session since a timestamp. It decompresses
// every batch whose last_enqueued_at is at or after since and filters the
// events by session in Go; an index on (platform, external_session_id)
// would require promoting those fields to columns, which the spec's schema
// (§6.3) does not define for the raw store.
func (s *SQLiteStore) Scan(ctx context.Context, platform, externalSessionID string, since time.Time) ([]eventmodel.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id FROM raw_batches WHERE last_enqueued_at >= ? ORDER BY batch_id ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("rawstore: scan candidate batches: %w", err)
	}
	var batchIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("rawstore: scan batch id: %w", err)
		}
		batchIDs = append(batchIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var out []eventmodel.Event
	for _, id := range batchIDs {
		events, err := s.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Platform == platform && e.ExternalSessionID == externalSessionID && !e.EnqueuedAt.Before(since) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *SQLiteStore) LastBatchID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(batch_id) FROM raw_batches`).Scan(&max); err != nil {
		return 0, fmt.Errorf("rawstore: last batch id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func (s *SQLiteStore) Close() error {
	s.decoder.Close()
	return s.db.Close()
}
