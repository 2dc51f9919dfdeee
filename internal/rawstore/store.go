// Package rawstore is the append-only compressed event log (component A),
// keyed by batch_id, that the fast-path batch writer commits into and that
// readers scan by session. Generalized from the teacher's
// pkg/store/receipt_store_sqlite.go (migrate-on-construct, prepared
// statement + sql.NullString scanning idiom) onto modernc.org/sqlite with a
// zstd-compressed blob column, the compression stack adopted from
// bureau-foundation/bureau's go.mod (klauspost/compress) since the teacher
// itself never needed one.
package rawstore

import (
	"context"
	"time"

	"github.com/blueplane/telemetry-core/internal/eventmodel"
)

// CodecVersion identifies the compression scheme recorded alongside each
// batch so future readers can dispatch without re-detecting it. Schema
// evolution of historical blobs is out of scope (SPEC_FULL.md §1
// Non-goals); only one codec is implemented.
const CodecVersionZstd byte = 1

// Store is the Raw Store contract from SPEC_FULL.md §4.1.
type Store interface {
	// Append atomically persists a compressed batch and returns its
	// assigned batch_id. The whole batch commits or none of it does: a
	// crash mid-transaction must never leave a partial batch visible.
	Append(ctx context.Context, events []eventmodel.Event) (int64, error)

	// Read decompresses and returns the events of a committed batch.
	Read(ctx context.Context, batchID int64) ([]eventmodel.Event, error)

	// ReadAt returns a single event by (batch_id, index), used to resolve
	// CDC payload references.
	ReadAt(ctx context.Context, batchID int64, index int) (eventmodel.Event, error)

	// Scan returns events for a session observed at or after since,
	// ordered by enqueued_at, without decompressing batches whose newest
	// event predates since.
	Scan(ctx context.Context, platform, externalSessionID string, since time.Time) ([]eventmodel.Event, error)

	// LastBatchID returns the most recently committed batch_id, or 0 if
	// the store is empty. Used to seed the next batch_id on open and by
	// tests.
	LastBatchID(ctx context.Context) (int64, error)

	Close() error
}
