// Package recovery runs the background periodic jobs that keep the
// pipeline's derived logs eventually consistent without blocking the hot
// path: republishing CDC records recorded in the cdc_unpublished fallback
// log (spec.md §4.2), and surfacing chain-of-custody breaks (spec.md §4.6).
// Grounded on the teacher's internal/scheduler package, which wraps
// robfig/cron/v3 the same way: one cron.Cron, jobs registered with
// AddFunc, Start/Stop lifecycle.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blueplane/telemetry-core/internal/custody"
	"github.com/blueplane/telemetry-core/internal/fallback"
	"github.com/blueplane/telemetry-core/internal/streams"
)

// Config holds the cron schedules for the Sweeper's jobs.
type Config struct {
	// SweepSchedule controls how often pending cdc_unpublished entries are
	// retried.
	SweepSchedule string
	// SweepBatch bounds how many fallback entries are retried per tick.
	SweepBatch int
	// CustodySchedule controls how often the sliding-hour chain-of-custody
	// snapshot is evaluated for a chain break.
	CustodySchedule string
}

// DefaultConfig mirrors the fast path's own recovery tick (spec.md §4.2
// default RecoveryTick=30s) for the sweep job, and checks the sliding-hour
// custody window every 5 minutes.
func DefaultConfig() Config {
	return Config{
		SweepSchedule:   "@every 30s",
		SweepBatch:      100,
		CustodySchedule: "@every 5m",
	}
}

// cronParser accepts the same "@every"/"@daily"-style descriptors the
// teacher's scheduler accepts, plus an optional leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper owns the cron ticker driving fallback republication and
// chain-break detection.
type Sweeper struct {
	cfg      Config
	fallback *fallback.Store
	cdc      streams.Stream
	ledger   *custody.Ledger
	logger   *slog.Logger
	cron     *cron.Cron
}

// New constructs a Sweeper. ledger may be nil to disable the chain-break
// check (e.g. in tests that only exercise the fallback sweep).
func New(cfg Config, fallbackStore *fallback.Store, cdc streams.Stream, ledger *custody.Ledger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		fallback: fallbackStore,
		cdc:      cdc,
		ledger:   ledger,
		logger:   logger,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep and chain-break jobs and starts the cron
// ticker. It runs an initial sweep synchronously so a fresh process
// doesn't wait a full tick before draining a fallback log left over from
// a previous run.
func (s *Sweeper) Start(ctx context.Context) error {
	s.Sweep(ctx)

	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		s.Sweep(ctx)
	}); err != nil {
		return err
	}

	if s.ledger != nil {
		if _, err := s.cron.AddFunc(s.cfg.CustodySchedule, func() {
			s.checkChainBreak(ctx)
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep retries every due cdc_unpublished entry once. A failed republish
// bumps the entry's attempt counter and leaves it for the next tick
// rather than escalating to the DLQ: the source event is already durable
// in the raw store, so CDC is a re-derivable convenience stream, not a
// delivery guarantee in its own right.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.fallback == nil {
		return
	}
	due, err := s.fallback.Due(ctx, s.cfg.SweepBatch)
	if err != nil {
		s.logger.Error("recovery: list due fallback entries failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var republished int
	for _, p := range due {
		if _, err := s.cdc.Append(ctx, p.Fields); err != nil {
			s.logger.Warn("recovery: fallback republish failed, will retry", "event_id", p.EventID, "attempts", p.Attempts+1, "error", err)
			if bumpErr := s.fallback.BumpAttempt(ctx, p.ID); bumpErr != nil {
				s.logger.Error("recovery: bump fallback attempt failed", "error", bumpErr)
			}
			continue
		}
		if err := s.fallback.Resolve(ctx, p.ID); err != nil {
			s.logger.Error("recovery: resolve fallback entry failed", "error", err)
			continue
		}
		republished++
	}
	if republished > 0 {
		s.logger.Info("recovery: republished fallback CDC entries", "count", republished)
	}
}

// checkChainBreak evaluates the sliding-hour custody snapshot and logs a
// warning when it indicates raw persistence has fallen behind ingress
// beyond what the DLQ accounts for (spec.md §4.6). Alerting beyond logging
// is an implementation detail the spec leaves open; a deployment wiring
// metrics can alert on the same cc_* counters directly.
func (s *Sweeper) checkChainBreak(ctx context.Context) {
	snap, err := s.ledger.ReadSlidingHour(ctx, time.Now())
	if err != nil {
		s.logger.Error("recovery: read custody snapshot failed", "error", err)
		return
	}
	if snap.ChainBreak {
		s.logger.Warn("recovery: chain-of-custody break detected",
			"ingress_enqueued", snap.IngressEnqueued,
			"raw_persisted", snap.RawPersisted,
			"cdc_published", snap.CDCPublished,
			"dlq_total_fast_path", snap.DLQTotalFastPath,
		)
	}
}
