// Command telemetry-core runs the Layer 2 local-first telemetry pipeline:
// the fast-path consumer and batch writer, the bounded worker pool
// dispatching to derived-state builders, and the recovery sweeper, wired
// against Redis Streams and SQLite per spec.md.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/convstore"
	"github.com/blueplane/telemetry-core/internal/custody"
	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/dlq"
	"github.com/blueplane/telemetry-core/internal/eventschema"
	"github.com/blueplane/telemetry-core/internal/fallback"
	"github.com/blueplane/telemetry-core/internal/fastpath"
	"github.com/blueplane/telemetry-core/internal/metricstore"
	"github.com/blueplane/telemetry-core/internal/rawstore"
	"github.com/blueplane/telemetry-core/internal/recovery"
	"github.com/blueplane/telemetry-core/internal/shutdown"
	"github.com/blueplane/telemetry-core/internal/streams"
	"github.com/blueplane/telemetry-core/internal/telemetry"
	"github.com/blueplane/telemetry-core/internal/workerpool"
)

func main() {
	if err := run(); err != nil {
		slog.Error("telemetry-core: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = cfg.ServiceName
	telCfg.ServiceVersion = cfg.ServiceVersion
	telCfg.Environment = cfg.Environment
	telCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telCfg.Insecure = cfg.OTLPInsecure
	telProvider, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ingress := streams.NewRedisStream(redisClient, cfg.IngressKey, 0)
	cdc := streams.NewRedisStream(redisClient, cfg.CDCKey, 0)
	dlqBacking := streams.NewRedisStream(redisClient, cfg.DLQKey, 0)

	raw, err := rawstore.Open(cfg.RawStorePath)
	if err != nil {
		return fmt.Errorf("rawstore: %w", err)
	}
	defer raw.Close()

	conv, err := convstore.Open(cfg.ConvStorePath)
	if err != nil {
		return fmt.Errorf("convstore: %w", err)
	}
	defer conv.Close()

	metrics, err := metricstore.Open(cfg.MetricsStorePath)
	if err != nil {
		return fmt.Errorf("metricstore: %w", err)
	}
	defer metrics.Close()

	dedupGate, err := dedup.Open(cfg.DedupStorePath)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	defer dedupGate.Close()

	fallbackStore, err := fallback.Open(cfg.FallbackStorePath)
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	defer fallbackStore.Close()

	schema, err := eventschema.New()
	if err != nil {
		return fmt.Errorf("eventschema: %w", err)
	}

	dlqSink := dlq.New(dlqBacking)
	ledger := custody.NewLedger(metrics, cfg.MetricsGranularity)

	convBuilder := convstore.NewBuilder(conv)
	metricsBuilder := metricstore.NewAggregator(metrics, cfg.MetricsGranularity)

	poolCfg := workerpool.Config{
		NWorkers:      cfg.NWorkers,
		Group:         "cdc-workers",
		BlockPoll:     cfg.BlockPoll,
		MonitorTick:   cfg.MonitorTick,
		BaseBatchMax:  cfg.BatchMax,
		BaseBatchWait: cfg.BatchWait,
		Pause:         cfg.ShedPause,
		StuckAfter:    cfg.StuckAfter,
		RecoveryTick:  cfg.RecoveryTick,
	}
	pool := workerpool.New(poolCfg, cdc, raw, []workerpool.Builder{convBuilder, metricsBuilder}, dedupGate, dlqSink, ledger, logger)

	fastpathCfg := fastpath.Config{
		Group:        "fastpath",
		Consumer:     "fastpath-0",
		BatchMax:     cfg.BatchMax,
		BlockPoll:    cfg.BlockPoll,
		BatchWait:    cfg.BatchWait,
		StuckAfter:   cfg.StuckAfter,
		RecoveryTick: cfg.RecoveryTick,
		CDCTimeout:   cfg.CDCTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	consumer := fastpath.New(fastpathCfg, ingress, cdc, raw, schema, dlqSink, ledger, fallbackStore, knobAdapter{pool}, logger)

	sweeper := recovery.New(recovery.Config{
		SweepSchedule:   cfg.SweepSchedule,
		SweepBatch:      cfg.BatchMax,
		CustodySchedule: cfg.CustodySchedule,
	}, fallbackStore, cdc, ledger, logger)

	coordinator := shutdown.New(cfg.ShutdownTimeout, logger)
	coordinator.Register("pipeline", func(ctx context.Context) error {
		cancel() // stops both the fast-path consumer and worker pool loops
		return nil
	})
	coordinator.Register("recovery", func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	coordinator.Register("telemetry", telProvider.Shutdown)

	errCh := make(chan error, 2)
	go func() { errCh <- consumer.Run(ctx) }()
	go func() { errCh <- pool.Run(ctx) }()
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("recovery: start: %w", err)
	}

	logger.Info("telemetry-core: started",
		"redis_addr", cfg.RedisAddr, "n_workers", cfg.NWorkers, "batch_max", cfg.BatchMax)

	coordinator.WaitForSignal(ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry-core: shutdown completed with errors", "error", err)
	}

	for i := 0; i < cap(errCh); i++ {
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("telemetry-core: component returned error", "error", err)
			}
		case <-time.After(cfg.ShutdownTimeout):
		}
	}

	return nil
}

// knobAdapter bridges workerpool.Pool's Knobs() (returning workerpool.Knobs)
// to fastpath.KnobSource (expecting fastpath's own field-identical Knobs
// type), since Go's interface satisfaction is by exact method signature,
// not by structural field equivalence across distinct named types.
type knobAdapter struct {
	pool *workerpool.Pool
}

func (k knobAdapter) Knobs() fastpath.Knobs {
	kn := k.pool.Knobs()
	return fastpath.Knobs{BatchMax: kn.BatchMax, BatchWait: kn.BatchWait, Pause: kn.Pause}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With("component", "telemetry-core")
}
