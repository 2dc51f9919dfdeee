// Package streams abstracts the three append-only, consumer-group logs
// named in SPEC_FULL.md §6.1 (ingress, cdc, dlq) behind a single capability
// interface, generalizing the teacher's direct *redis.Client usage in
// pkg/kernel/limiter_redis.go (a Lua-scripted token bucket) into a typed
// wrapper over Redis Streams commands (XADD/XREADGROUP/XACK/XAUTOCLAIM/
// XPENDING). Builders and the fast path depend only on this interface, which
// makes them trivial to test against the in-memory Memory implementation.
package streams

import (
	"context"
	"time"
)

// Message is one entry read from a stream: an opaque ID assigned by the
// stream and the field set the producer appended.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingSummary reports the consumer group's outstanding (delivered, not
// yet acknowledged) entry count, used by the worker pool's backpressure
// monitor (SPEC_FULL.md §4.3) and by tests.
type PendingSummary struct {
	Count  int64
	Lowest string
	Highest string
}

// Stream is the capability set every component needs from a durable,
// ordered, consumer-group log. It is satisfied by both Redis (production)
// and Memory (tests).
type Stream interface {
	// EnsureGroup creates the named consumer group if it does not already
	// exist. Idempotent.
	EnsureGroup(ctx context.Context, group string) error

	// Append publishes one entry and returns its assigned ID.
	Append(ctx context.Context, fields map[string]string) (string, error)

	// ReadGroup performs a consumer-group read of up to count new entries,
	// blocking for at most block before returning an empty result.
	ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack acknowledges entries, removing them from the group's
	// pending-entries list.
	Ack(ctx context.Context, group string, ids ...string) error

	// Claim reassigns entries idle for at least minIdle to consumer,
	// implementing the pending-entry recovery protocol of §4.2.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)

	// PendingSummary reports the group's outstanding entry count.
	PendingSummary(ctx context.Context, group string) (PendingSummary, error)

	// Len reports the current stream length (for health/diagnostics only;
	// retention trims this independent of consumer progress).
	Len(ctx context.Context) (int64, error)
}
