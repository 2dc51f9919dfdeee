// Package telemetry adapts pkg/observability/observability.go's OTel
// Provider to the pipeline's own observable counters (spec.md §4, §4.6):
// events read, batches committed, CDC published, records dispatched and
// dead-lettered, plus batch duration and pending depth. The §4.4.2
// acceptance/latency/token metrics live in internal/metricstore, not here.
// It is the pipeline's own telemetry, not the user-visible
// events it is processing — kept out of the ingest hot path's return
// values, fed only via the Provider's Record*/Track* methods.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "telemetry-core",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider wraps OpenTelemetry trace and metric providers with the
// pipeline's own instrument set.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsReadCounter      metric.Int64Counter
	batchesCommittedCounter metric.Int64Counter
	cdcPublishedCounter    metric.Int64Counter
	recordsDispatchedCounter metric.Int64Counter
	recordsDLQdCounter     metric.Int64Counter
	batchDurationHist      metric.Float64Histogram
	pendingDepthGauge      metric.Int64UpDownCounter
}

// New creates a new telemetry provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
			attribute.String("telemetry_core.component", "pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("telemetry-core.pipeline", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("telemetry-core.pipeline", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("telemetry: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName, "environment", config.Environment, "endpoint", config.OTLPEndpoint)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	if p.eventsReadCounter, err = p.meter.Int64Counter("pipeline.events_read.total",
		metric.WithDescription("Events read off the ingress stream"), metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.batchesCommittedCounter, err = p.meter.Int64Counter("pipeline.batches_committed.total",
		metric.WithDescription("Batches persisted to the raw store"), metric.WithUnit("{batch}")); err != nil {
		return err
	}
	if p.cdcPublishedCounter, err = p.meter.Int64Counter("pipeline.cdc_published.total",
		metric.WithDescription("CDC records published"), metric.WithUnit("{record}")); err != nil {
		return err
	}
	if p.recordsDispatchedCounter, err = p.meter.Int64Counter("pipeline.records_dispatched.total",
		metric.WithDescription("CDC records dispatched to derived-state builders"), metric.WithUnit("{record}")); err != nil {
		return err
	}
	if p.recordsDLQdCounter, err = p.meter.Int64Counter("pipeline.records_dlqd.total",
		metric.WithDescription("Records routed to the dead-letter stream"), metric.WithUnit("{record}")); err != nil {
		return err
	}
	if p.batchDurationHist, err = p.meter.Float64Histogram("pipeline.batch.duration",
		metric.WithDescription("Batch commit duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.pendingDepthGauge, err = p.meter.Int64UpDownCounter("pipeline.pending_depth",
		metric.WithDescription("Outstanding pending entries observed by the backpressure monitor"), metric.WithUnit("{entry}")); err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("telemetry-core.pipeline")
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("telemetry-core.pipeline")
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordEventsRead increments the ingress-read counter.
func (p *Provider) RecordEventsRead(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.eventsReadCounter != nil {
		p.eventsReadCounter.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// RecordBatchCommitted records one batch commit and its duration.
func (p *Provider) RecordBatchCommitted(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.batchesCommittedCounter != nil {
		p.batchesCommittedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.batchDurationHist != nil {
		p.batchDurationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordCDCPublished increments the CDC-published counter.
func (p *Provider) RecordCDCPublished(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.cdcPublishedCounter != nil {
		p.cdcPublishedCounter.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// RecordDispatch records a builder dispatch outcome: success increments the
// dispatched counter, a non-nil err also increments the DLQ counter.
func (p *Provider) RecordDispatch(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.recordsDispatchedCounter != nil {
		p.recordsDispatchedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if err != nil && p.recordsDLQdCounter != nil {
		p.recordsDLQdCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPendingDepth reports the worker pool's current pending-entries
// depth, as an up-down counter tracking the most recent observation.
func (p *Provider) RecordPendingDepth(ctx context.Context, depth int64, attrs ...attribute.KeyValue) {
	if p.pendingDepthGauge != nil {
		p.pendingDepthGauge.Add(ctx, depth, metric.WithAttributes(attrs...))
	}
}

// TrackBatch tracks a batch commit from start to finish, mirroring
// observability.Provider.TrackOperation.
func (p *Provider) TrackBatch(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.RecordBatchCommitted(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
