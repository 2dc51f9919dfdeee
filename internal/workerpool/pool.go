// Package workerpool implements the Worker Pool (component E): a bounded
// pool of CDC consumers dispatching to derived-state builders with retry
// and backpressure, per spec.md §4.3.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueplane/telemetry-core/internal/cdcwire"
	"github.com/blueplane/telemetry-core/internal/custody"
	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/dlq"
	"github.com/blueplane/telemetry-core/internal/eventmodel"
	"github.com/blueplane/telemetry-core/internal/streams"
)

// Builder is a derived-state builder the pool dispatches CDC-derived
// events to, in registration order.
type Builder interface {
	ID() dedup.BuilderID
	Apply(ctx context.Context, ev eventmodel.Event) error
}

// Config holds the pool's tunable parameters (spec.md §4.3).
type Config struct {
	NWorkers      int
	Group         string
	BlockPoll     time.Duration
	MonitorTick   time.Duration
	BaseBatchMax  int
	BaseBatchWait time.Duration
	Pause         time.Duration

	// StuckAfter and RecoveryTick drive periodic reclaim of CDC entries left
	// pending by a crashed or stalled worker, same protocol as the fast
	// path's ingress reclaim (spec.md §4.2, §4.3).
	StuckAfter   time.Duration
	RecoveryTick time.Duration
}

// DefaultConfig returns spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		NWorkers:      4,
		Group:         "cdc-workers",
		BlockPoll:     100 * time.Millisecond,
		MonitorTick:   5 * time.Second,
		BaseBatchMax:  100,
		BaseBatchWait: 100 * time.Millisecond,
		Pause:         1 * time.Second,
		StuckAfter:    30 * time.Second,
		RecoveryTick:  30 * time.Second,
	}
}

// recoveryConsumer is the fixed consumer identity the pool's stuck-entry
// reclaim loop claims under, distinct from the numbered worker-N consumers
// so claimed entries are trivially attributable in XPENDING/XCLAIM output.
const recoveryConsumer = "worker-recovery"

// Pool is the bounded worker pool over the CDC stream.
type Pool struct {
	cfg      Config
	cdc      streams.Stream
	raw      cdcwire.RawReader
	builders []Builder
	dedup    *dedup.Gate
	dlqSink  *dlq.Stream
	ledger   *custody.Ledger
	retry    RetryPolicy
	logger   *slog.Logger

	hyst      *Hysteresis
	knobsMu   sync.RWMutex
	knobs     Knobs

	// limiter self-throttles per-worker consumption once the pool enters a
	// Shed tier, independent of the Knobs fed back to the fast path: it
	// caps how fast a worker pulls new CDC records rather than how large
	// the upstream batches are.
	limiter *rate.Limiter

	recordsProcessed atomic.Int64
	recordsDLQd      atomic.Int64
}

// New constructs a Pool. raw resolves CDC payload_ref indirection against
// the raw store.
func New(cfg Config, cdc streams.Stream, raw cdcwire.RawReader, builders []Builder, dedupGate *dedup.Gate, dlqSink *dlq.Stream, ledger *custody.Ledger, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		cdc:      cdc,
		raw:      raw,
		builders: builders,
		dedup:    dedupGate,
		dlqSink:  dlqSink,
		ledger:   ledger,
		retry:    DefaultRetryPolicy(),
		logger:   logger,
		hyst:     NewHysteresis(),
		knobs:    ForTier(TierNormal, cfg.BaseBatchMax, cfg.BaseBatchWait, cfg.Pause),
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
}

// shedRateForTier returns the per-worker read rate to self-impose at tier,
// scaled by the pool's worker count so the aggregate consumption rate
// degrades gracefully rather than per-worker.
func shedRateForTier(tier Tier, nWorkers int) rate.Limit {
	if nWorkers < 1 {
		nWorkers = 1
	}
	switch tier {
	case TierShed:
		return rate.Limit(50) / rate.Limit(nWorkers)
	case TierShedPause:
		return rate.Limit(5) / rate.Limit(nWorkers)
	default:
		return rate.Inf
	}
}

// Knobs returns the fast-path tuning knobs currently in effect, as driven
// by the backpressure monitor.
func (p *Pool) Knobs() Knobs {
	p.knobsMu.RLock()
	defer p.knobsMu.RUnlock()
	return p.knobs
}

func (p *Pool) setKnobs(k Knobs) {
	p.knobsMu.Lock()
	defer p.knobsMu.Unlock()
	p.knobs = k
}

// Run starts NWorkers consumer goroutines plus the backpressure monitor,
// and blocks until ctx is cancelled and all workers have exited.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.cdc.EnsureGroup(ctx, p.cfg.Group); err != nil {
		return fmt.Errorf("workerpool: ensure group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.NWorkers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.monitorLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recoveryLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		messages, err := p.cdc.ReadGroup(ctx, p.cfg.Group, consumer, 1, p.cfg.BlockPoll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("workerpool: read group failed", "error", err)
			continue
		}
		for _, msg := range messages {
			p.processRecord(ctx, consumer, msg)
		}
	}
}

func (p *Pool) processRecord(ctx context.Context, consumer string, msg streams.Message) {
	rec, err := cdcwire.Decode(msg.Fields)
	if err != nil {
		p.logger.Error("workerpool: decode CDC record failed", "error", err, "id", msg.ID)
		_ = p.cdc.Ack(ctx, p.cfg.Group, msg.ID) // malformed wire record: nothing to retry toward
		return
	}

	ev, err := cdcwire.ToEvent(rec, func() (map[string]any, error) {
		resolved, err := p.raw.ReadAt(ctx, rec.PayloadRef.BatchID, rec.PayloadRef.Index)
		if err != nil {
			return nil, err
		}
		return resolved.Payload, nil
	})
	if err != nil {
		p.logger.Error("workerpool: resolve CDC payload failed", "error", err, "event_id", rec.EventID)
		_ = p.cdc.Ack(ctx, p.cfg.Group, msg.ID)
		return
	}

	if err := p.dispatch(ctx, ev); err != nil {
		// dispatch already routed the permanent failure to the DLQ; ack
		// regardless so the group makes progress (spec.md §4.3).
		p.logger.Warn("workerpool: record dead-lettered", "event_id", ev.EventID, "error", err)
	}

	if err := p.cdc.Ack(ctx, p.cfg.Group, msg.ID); err != nil {
		p.logger.Error("workerpool: ack failed, record remains pending for recovery", "error", err, "id", msg.ID)
		return
	}
	p.recordsProcessed.Add(1)
	if p.ledger != nil {
		_ = p.ledger.CDCPublished(ctx, ev.EventID, ev.EnqueuedAt)
	}
}

// dispatch runs ev through every registered builder in order, retrying
// transient failures and routing permanent ones to the DLQ. It returns nil
// only once every builder has succeeded (or was already applied) for the
// record; the caller acknowledges the record after dispatch returns, with
// or without an error (spec.md §4.3).
//
// The dedup gate is only consulted to skip a builder already marked applied,
// and is only marked applied once that builder's Apply has itself succeeded.
// Claiming the slot before Apply runs would mean a crash between the claim
// and Apply completing leaves the event permanently unapplied for that
// builder on redelivery — exactly the at-least-once case the gate exists to
// survive.
func (p *Pool) dispatch(ctx context.Context, ev eventmodel.Event) error {
	for _, b := range p.builders {
		if p.dedup != nil {
			acked, err := p.dedup.Acknowledged(ctx, ev.EventID, b.ID())
			if err != nil {
				return fmt.Errorf("workerpool: dedup gate: %w", err)
			}
			if acked {
				// Already applied by a prior delivery of this event_id:
				// idempotently treat as success.
				continue
			}
		}

		if err := p.applyWithRetry(ctx, b, ev); err != nil {
			stage := stageForBuilder(b.ID())
			if p.dlqSink != nil {
				if dlqErr := p.dlqSink.Append(ctx, ev, stage, err); dlqErr != nil {
					p.logger.Error("workerpool: DLQ append failed", "error", dlqErr, "event_id", ev.EventID)
				}
			}
			p.recordsDLQd.Add(1)
			if p.ledger != nil {
				_ = p.ledger.DLQTotal(ctx, ev.EventID, string(stage), ev.EnqueuedAt)
			}
			return err
		}

		if p.dedup != nil {
			if _, err := p.dedup.TryAcquire(ctx, ev.EventID, b.ID()); err != nil {
				return fmt.Errorf("workerpool: dedup gate mark applied: %w", err)
			}
		}

		if p.ledger != nil {
			_ = p.ledger.DerivedApplied(ctx, ev.EventID, b.ID(), ev.EnqueuedAt)
		}
	}
	return nil
}

func (p *Pool) applyWithRetry(ctx context.Context, b Builder, ev eventmodel.Event) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := b.Apply(ctx, ev)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.retry.Evaluate(err, attempt) == DecisionPermanent {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.retry.Backoff(attempt)):
		}
	}
}

func stageForBuilder(id dedup.BuilderID) dlq.Stage {
	switch id {
	case dedup.BuilderConversation:
		return dlq.StageConversationBuilder
	case dedup.BuilderMetrics:
		return dlq.StageMetricsAggregator
	default:
		return dlq.StageMetricsAggregator
	}
}

func (p *Pool) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := p.cdc.PendingSummary(ctx, p.cfg.Group)
			if err != nil {
				p.logger.Error("workerpool: pending summary failed", "error", err)
				continue
			}
			tier := p.hyst.Observe(summary.Count)
			if tier >= TierWarn {
				p.logger.Warn("workerpool: backpressure tier", "tier", tier.String(), "pending", summary.Count)
			}
			p.setKnobs(ForTier(tier, p.cfg.BaseBatchMax, p.cfg.BaseBatchWait, p.cfg.Pause))
			p.limiter.SetLimit(shedRateForTier(tier, p.cfg.NWorkers))
		}
	}
}

// recoveryLoop periodically reclaims CDC entries left pending past
// StuckAfter by a crashed or stalled worker (spec.md §4.3: "unacknowledged
// records will be reclaimed by a surviving worker or by a future process via
// pending-entry recovery, same protocol as §4.2").
func (p *Pool) recoveryLoop(ctx context.Context) {
	p.reclaimStuck(ctx)
	ticker := time.NewTicker(p.cfg.RecoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimStuck(ctx)
		}
	}
}

func (p *Pool) reclaimStuck(ctx context.Context) {
	msgs, err := p.cdc.Claim(ctx, p.cfg.Group, recoveryConsumer, p.cfg.StuckAfter, int64(p.cfg.BaseBatchMax))
	if err != nil {
		p.logger.Error("workerpool: claim stuck entries failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	p.logger.Warn("workerpool: reclaimed stuck CDC entries", "count", len(msgs))
	for _, msg := range msgs {
		p.processRecord(ctx, recoveryConsumer, msg)
	}
}

// Stats is a snapshot of pool-observable counters.
type Stats struct {
	RecordsProcessed int64
	RecordsDLQd      int64
	Tier             Tier
}

func (p *Pool) Stats() Stats {
	return Stats{
		RecordsProcessed: p.recordsProcessed.Load(),
		RecordsDLQd:      p.recordsDLQd.Load(),
		Tier:             p.hyst.Current(),
	}
}
