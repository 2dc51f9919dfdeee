package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over counters/gauges/histogram_buckets
// tables, each guarded by a metric_acks idempotence table keyed on
// (event_id, metric_key).
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metrics store database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metricstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("metricstore: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS metric_acks (
		event_id TEXT NOT NULL,
		metric_key TEXT NOT NULL,
		PRIMARY KEY (event_id, metric_key)
	);
	CREATE TABLE IF NOT EXISTS counters (
		metric_key TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS gauges (
		metric_key TEXT PRIMARY KEY,
		value REAL NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS histogram_buckets (
		metric_key TEXT NOT NULL,
		bucket_upper REAL NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (metric_key, bucket_upper)
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("metricstore: migrate: %w", err)
	}
	return nil
}

// tryAck claims (eventID, metricKey) within tx, returning whether this call
// is the first to see this pair.
func tryAck(ctx context.Context, tx *sql.Tx, eventID, metricKey string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO metric_acks (event_id, metric_key) VALUES (?, ?)
		ON CONFLICT(event_id, metric_key) DO NOTHING
	`, eventID, metricKey)
	if err != nil {
		return false, fmt.Errorf("metricstore: ack %s/%s: %w", eventID, metricKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ApplyCounterDelta(ctx context.Context, eventID string, key Key, delta int64) error {
	metricKey := key.String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metricstore: begin counter delta tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	first, err := tryAck(ctx, tx, eventID, metricKey)
	if err != nil {
		return err
	}
	if !first {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (metric_key, value) VALUES (?, ?)
		ON CONFLICT(metric_key) DO UPDATE SET value = value + excluded.value
	`, metricKey, delta)
	if err != nil {
		return fmt.Errorf("metricstore: apply counter delta %s: %w", metricKey, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ApplyGaugeDelta(ctx context.Context, eventID string, key Key, delta float64) error {
	metricKey := key.String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metricstore: begin gauge delta tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	first, err := tryAck(ctx, tx, eventID, metricKey)
	if err != nil {
		return err
	}
	if !first {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gauges (metric_key, value) VALUES (?, ?)
		ON CONFLICT(metric_key) DO UPDATE SET value = value + excluded.value
	`, metricKey, delta)
	if err != nil {
		return fmt.Errorf("metricstore: apply gauge delta %s: %w", metricKey, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ObserveHistogram(ctx context.Context, eventID string, key Key, valueMs float64) error {
	metricKey := key.String()
	upper := BucketUpperBound(valueMs)
	if upper == 0 {
		upper = math.Inf(1)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metricstore: begin histogram tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	first, err := tryAck(ctx, tx, eventID, metricKey)
	if err != nil {
		return err
	}
	if !first {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO histogram_buckets (metric_key, bucket_upper, count) VALUES (?, ?, 1)
		ON CONFLICT(metric_key, bucket_upper) DO UPDATE SET count = count + 1
	`, metricKey, upper)
	if err != nil {
		return fmt.Errorf("metricstore: observe histogram %s: %w", metricKey, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CounterValue(ctx context.Context, key Key) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE metric_key = ?`, key.String()).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metricstore: counter value %s: %w", key.String(), err)
	}
	return v, nil
}

func (s *SQLiteStore) GaugeValue(ctx context.Context, key Key) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM gauges WHERE metric_key = ?`, key.String()).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metricstore: gauge value %s: %w", key.String(), err)
	}
	return v, nil
}

func (s *SQLiteStore) HistogramCounts(ctx context.Context, key Key) (map[float64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_upper, count FROM histogram_buckets WHERE metric_key = ?
	`, key.String())
	if err != nil {
		return nil, fmt.Errorf("metricstore: histogram counts %s: %w", key.String(), err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[float64]int64)
	for rows.Next() {
		var upper float64
		var count int64
		if err := rows.Scan(&upper, &count); err != nil {
			return nil, fmt.Errorf("metricstore: scan histogram bucket: %w", err)
		}
		out[upper] = count
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
