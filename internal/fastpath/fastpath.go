// Package fastpath implements the Fast-Path Consumer and Batch Writer
// (component D): drains the ingress stream with at-least-once semantics,
// batches events, persists them compressed, publishes CDC, and
// acknowledges ingress, per spec.md §4.2.
package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdcwire"
	"github.com/blueplane/telemetry-core/internal/classify"
	"github.com/blueplane/telemetry-core/internal/custody"
	"github.com/blueplane/telemetry-core/internal/dlq"
	"github.com/blueplane/telemetry-core/internal/eventmodel"
	"github.com/blueplane/telemetry-core/internal/eventschema"
	"github.com/blueplane/telemetry-core/internal/fallback"
	"github.com/blueplane/telemetry-core/internal/rawstore"
	"github.com/blueplane/telemetry-core/internal/streams"
)

// KnobSource supplies the batch-size/timing knobs currently in effect,
// fed back by the worker pool's backpressure monitor (spec.md §4.3).
// *workerpool.Pool does not satisfy this directly (its Knobs returns
// workerpool.Knobs); main adapts it.
type KnobSource interface {
	Knobs() Knobs
}

// Knobs mirrors workerpool.Knobs without importing that package, to keep
// fastpath and workerpool decoupled in either direction; main wires them
// together.
type Knobs struct {
	BatchMax  int
	BatchWait time.Duration
	Pause     time.Duration
}

// Config holds the consumer's tunable parameters (spec.md §4.2).
type Config struct {
	Group        string
	Consumer     string
	BatchMax     int
	BlockPoll    time.Duration
	BatchWait    time.Duration
	StuckAfter   time.Duration
	RecoveryTick time.Duration
	CDCTimeout   time.Duration
	MaxRetries   int
}

// DefaultConfig returns spec.md §4.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		Group:        "fastpath",
		Consumer:     "fastpath-0",
		BatchMax:     100,
		BlockPoll:    100 * time.Millisecond,
		BatchWait:    100 * time.Millisecond,
		StuckAfter:   30 * time.Second,
		RecoveryTick: 30 * time.Second,
		CDCTimeout:   1 * time.Second,
		MaxRetries:   5,
	}
}

// Consumer is the Fast-Path Consumer + Batch Writer.
type Consumer struct {
	cfg      Config
	ingress  streams.Stream
	cdc      streams.Stream
	raw      rawstore.Store
	schema   *eventschema.Validator
	dlqSink  *dlq.Stream
	ledger   *custody.Ledger
	fallback *fallback.Store
	knobs    KnobSource
	logger   *slog.Logger

	retryCounts sync.Map // event_id -> int retry attempts, for poison detection

	eventsRead      atomic.Int64
	batchesCommitted atomic.Int64
	batchesFailed   atomic.Int64
	cdcPublished    atomic.Int64
	ackFailed       atomic.Int64
}

// New constructs a Consumer. fallbackStore may be nil, in which case CDC
// publish failures are only logged, not durably recorded for a sweeper to
// retry.
func New(cfg Config, ingress, cdc streams.Stream, raw rawstore.Store, schema *eventschema.Validator, dlqSink *dlq.Stream, ledger *custody.Ledger, fallbackStore *fallback.Store, knobs KnobSource, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, ingress: ingress, cdc: cdc, raw: raw, schema: schema, dlqSink: dlqSink, ledger: ledger, fallback: fallbackStore, knobs: knobs, logger: logger}
}

func (c *Consumer) effectiveBatchMax() int {
	if c.knobs == nil {
		return c.cfg.BatchMax
	}
	if k := c.knobs.Knobs(); k.BatchMax > 0 {
		return k.BatchMax
	}
	return c.cfg.BatchMax
}

func (c *Consumer) effectiveBatchWait() time.Duration {
	if c.knobs == nil {
		return c.cfg.BatchWait
	}
	if k := c.knobs.Knobs(); k.BatchWait > 0 {
		return k.BatchWait
	}
	return c.cfg.BatchWait
}

func (c *Consumer) effectivePause() time.Duration {
	if c.knobs == nil {
		return 0
	}
	return c.knobs.Knobs().Pause
}

// Run drains ingress, accumulates batches, and commits them until ctx is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ingress.EnsureGroup(ctx, c.cfg.Group); err != nil {
		return fmt.Errorf("fastpath: ensure group: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.recoveryLoop(ctx)
	}()

	c.drainLoop(ctx)
	wg.Wait()
	return nil
}

func (c *Consumer) drainLoop(ctx context.Context) {
	var batch []streams.Message
	var batchStart time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.commitBatch(ctx, batch)
		batch = nil
		if pause := c.effectivePause(); pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		default:
		}

		remaining := c.effectiveBatchMax() - len(batch)
		if remaining <= 0 {
			flush()
			continue
		}

		msgs, err := c.ingress.ReadGroup(ctx, c.cfg.Group, c.cfg.Consumer, int64(remaining), c.cfg.BlockPoll)
		if err != nil {
			if ctx.Err() != nil {
				flush()
				return
			}
			c.logger.Error("fastpath: read group failed", "error", err)
			continue
		}

		if len(msgs) == 0 {
			flush()
			continue
		}

		if len(batch) == 0 {
			batchStart = time.Now()
		}
		c.eventsRead.Add(int64(len(msgs)))
		batch = append(batch, msgs...)

		if len(batch) >= c.effectiveBatchMax() || time.Since(batchStart) >= c.effectiveBatchWait() {
			flush()
		}
	}
}

// commitBatch executes the three-step commit protocol of spec.md §4.2.
func (c *Consumer) commitBatch(ctx context.Context, msgs []streams.Message) {
	events := make([]eventmodel.Event, 0, len(msgs))
	eventMsgIDs := make([]string, 0, len(msgs))
	poisoned := make([]streams.Message, 0)

	for _, msg := range msgs {
		ev, decodeErr := decodeIngressMessage(msg)

		if c.ledger != nil {
			eventID := ev.EventID
			if eventID == "" {
				eventID = msg.ID
			}
			_ = c.ledger.IngressEnqueued(ctx, eventID, time.Now())
		}

		validationErr := decodeErr
		if validationErr == nil && c.schema != nil {
			validationErr = c.schema.Validate(ev)
		}
		if validationErr == nil {
			c.clearRetry(ev.EventID)
			events = append(events, ev)
			eventMsgIDs = append(eventMsgIDs, msg.ID)
			continue
		}

		if c.isPoison(ev.EventID) {
			c.handlePoison(ctx, msg, ev, classify.Schema(validationErr))
			poisoned = append(poisoned, msg)
			continue
		}
		c.bumpRetry(ev.EventID)
		c.batchesFailed.Add(1)
		// Leave the entry pending; redelivery (via recovery's stuck-entry
		// reclaim) will retry it until it either succeeds or is poisoned.
	}

	ackIDs := make([]string, 0, len(msgs))
	for _, m := range poisoned {
		ackIDs = append(ackIDs, m.ID)
	}

	if len(events) == 0 {
		if len(ackIDs) > 0 {
			c.ackIngress(ctx, ackIDs)
		}
		return
	}

	// Step 1: persist.
	batchID, err := c.raw.Append(ctx, events)
	if err != nil {
		c.batchesFailed.Add(1)
		c.logger.Error("fastpath: batch persist failed, leaving entries pending", "error", err)
		if len(ackIDs) > 0 {
			c.ackIngress(ctx, ackIDs)
		}
		return
	}
	c.batchesCommitted.Add(1)
	now := time.Now()
	for _, ev := range events {
		if c.ledger != nil {
			_ = c.ledger.RawPersisted(ctx, ev.EventID, now)
		}
	}

	// Step 2: publish CDC, fire-and-forget with bounded timeout. A publish
	// failure is recorded to the cdc_unpublished fallback log rather than
	// blocking acknowledgement; recovery.Sweeper retries it later.
	publishCtx, cancel := context.WithTimeout(ctx, c.cfg.CDCTimeout)
	for i, ev := range events {
		rec := eventmodel.CDCRecord{
			CDCID:             fmt.Sprintf("%d-%d", batchID, i),
			EventID:           ev.EventID,
			Platform:          ev.Platform,
			ExternalSessionID: ev.ExternalSessionID,
			EventType:         ev.EventType,
			BatchID:           batchID,
			EnqueuedAt:        ev.EnqueuedAt,
		}
		if payloadSize(ev.Payload) <= eventmodel.PayloadRefThreshold {
			rec.InlinePayload = ev.Payload
		} else {
			rec.PayloadRef = &eventmodel.PayloadRef{BatchID: batchID, Index: i}
		}
		fields, encErr := cdcwire.Encode(rec)
		if encErr != nil {
			c.logger.Error("fastpath: encode CDC record failed", "error", encErr, "event_id", ev.EventID)
			continue
		}
		if _, err := c.cdc.Append(publishCtx, fields); err != nil {
			c.logger.Error("fastpath: CDC publish failed, recording to fallback log", "error", err, "event_id", ev.EventID)
			if c.fallback != nil {
				if fbErr := c.fallback.Record(ctx, batchID, ev.EventID, fields); fbErr != nil {
					c.logger.Error("fastpath: fallback record failed", "error", fbErr, "event_id", ev.EventID)
				}
			}
			continue
		}
		c.cdcPublished.Add(1)
		if c.ledger != nil {
			_ = c.ledger.CDCPublished(ctx, ev.EventID, now)
		}
	}
	cancel()

	// Step 3: acknowledge. Only messages that landed in the raw store
	// (eventMsgIDs) or were routed to the DLQ (poisoned, already in ackIDs)
	// may be acked — anything left pending for retry must stay pending so
	// redelivery can retry or poison it; acking it here would durably lose
	// it with neither a raw-store nor a DLQ record to show for it.
	ackIDs = append(ackIDs, eventMsgIDs...)
	c.ackIngress(ctx, ackIDs)
}

func (c *Consumer) ackIngress(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := c.ingress.Ack(ctx, c.cfg.Group, ids...); err != nil {
		c.ackFailed.Add(1)
		c.logger.Error("fastpath: ack failed, batch remains pending for redelivery", "error", err)
	}
}

// handlePoison routes an event to the DLQ once it has failed the commit
// protocol more than MaxRetries times (spec.md §4.2), then acknowledges the
// ingress entry so the group makes progress. ev may be the zero value if
// decoding itself failed.
func (c *Consumer) handlePoison(ctx context.Context, msg streams.Message, ev eventmodel.Event, err error) {
	if ev.EventID == "" {
		ev.EventID = msg.ID
	}
	if ev.Payload == nil {
		ev.Payload = rawPayloadFromFields(msg.Fields)
	}
	if c.dlqSink != nil {
		if dlqErr := c.dlqSink.Append(ctx, ev, dlq.StageFastPath, err); dlqErr != nil {
			c.logger.Error("fastpath: DLQ append failed", "error", dlqErr, "event_id", ev.EventID)
		}
	}
	if c.ledger != nil {
		_ = c.ledger.DLQTotal(ctx, ev.EventID, string(dlq.StageFastPath), time.Now())
	}
	c.clearRetry(ev.EventID)
}

func (c *Consumer) bumpRetry(eventID string) {
	v, _ := c.retryCounts.LoadOrStore(eventID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *Consumer) isPoison(eventID string) bool {
	v, ok := c.retryCounts.Load(eventID)
	if !ok {
		return false
	}
	return v.(*atomic.Int64).Load() >= int64(c.cfg.MaxRetries)
}

func (c *Consumer) clearRetry(eventID string) {
	c.retryCounts.Delete(eventID)
}

// recoveryLoop periodically reclaims pending ingress entries stuck past
// StuckAfter from dead or slow consumers (spec.md §4.2), running the
// reclaimed entries through the normal commit protocol.
func (c *Consumer) recoveryLoop(ctx context.Context) {
	c.reclaimStuck(ctx)
	ticker := time.NewTicker(c.cfg.RecoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimStuck(ctx)
		}
	}
}

func (c *Consumer) reclaimStuck(ctx context.Context) {
	msgs, err := c.ingress.Claim(ctx, c.cfg.Group, c.cfg.Consumer, c.cfg.StuckAfter, int64(c.cfg.BatchMax))
	if err != nil {
		c.logger.Error("fastpath: claim stuck entries failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.logger.Warn("fastpath: reclaimed stuck ingress entries", "count", len(msgs))
	c.commitBatch(ctx, msgs)
}

// Stats is a snapshot of the consumer's observable counters (spec.md §4.2).
type Stats struct {
	EventsRead       int64
	BatchesCommitted int64
	BatchesFailed    int64
	CDCPublished     int64
	AckFailed        int64
}

func (c *Consumer) Stats() Stats {
	return Stats{
		EventsRead:       c.eventsRead.Load(),
		BatchesCommitted: c.batchesCommitted.Load(),
		BatchesFailed:    c.batchesFailed.Load(),
		CDCPublished:     c.cdcPublished.Load(),
		AckFailed:        c.ackFailed.Load(),
	}
}

// payloadSize is the marshaled JSON size of payload; a payload that cannot
// be marshaled counts as over PayloadRefThreshold.
func payloadSize(payload map[string]any) int {
	b, err := json.Marshal(payload)
	if err != nil {
		return eventmodel.PayloadRefThreshold + 1
	}
	return len(b)
}

func rawPayloadFromFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
