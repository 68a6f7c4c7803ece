// Package observability wires OpenTelemetry traces and metrics for steward.
// A disabled Provider is a working no-op, so components can always hold one.
package observability

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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batching
	ExportInterval time.Duration // metric push period
	Enabled        bool
	Insecure       bool // dev only
}

const instrumentationName = "github.com/Mindburn-Labs/steward"

// DefaultConfig returns the defaults. Telemetry stays off until an OTLP
// endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "steward",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider holds the tracer, the meter and steward's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations  metric.Int64Counter
	failures    metric.Int64Counter
	opDuration  metric.Float64Histogram
	active      metric.Int64UpDownCounter
	transitions metric.Int64Counter
	executions  metric.Float64Histogram
}

// Noop returns a disabled provider.
func Noop() *Provider {
	return &Provider{config: &Config{}, logger: slog.Default().With("component", "observability")}
}

// New creates a provider. With Enabled false it returns a no-op provider
// and dials nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTracing(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.operations, err = p.meter.Int64Counter("steward.operations.total",
		metric.WithDescription("Tracked operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("steward.operations.failed",
		metric.WithDescription("Tracked operations that returned an error"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.opDuration, err = p.meter.Float64Histogram("steward.operation.duration",
		metric.WithDescription("Tracked operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("steward.operations.active",
		metric.WithDescription("Tracked operations in progress"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.transitions, err = p.meter.Int64Counter("steward.items.transitions",
		metric.WithDescription("Item bucket moves"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return err
	}
	p.executions, err = p.meter.Float64Histogram("steward.execution.duration",
		metric.WithDescription("Executor call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	return err
}

// RecordTransition counts a bucket move.
func (p *Provider) RecordTransition(ctx context.Context, from, to string) {
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(AttrFromBucket.String(from), AttrToBucket.String(to)))
	}
}

// RecordExecution records one executor call.
func (p *Provider) RecordExecution(ctx context.Context, executorID, outcome string, d time.Duration) {
	if p.executions != nil {
		p.executions.Record(ctx, d.Seconds(), metric.WithAttributes(AttrExecutorID.String(executorID), AttrOutcome.String(outcome)))
	}
}

// Shutdown flushes and stops the exporters. Errors are logged.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation opens a span and counts the operation. Call the returned
// function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	kv := make([]attribute.KeyValue, 0, len(attrs)+1)
	kv = append(kv, attrs...)
	set := metric.WithAttributes(append(kv, AttrOperationName.String(name))...)
	if p.operations != nil {
		p.operations.Add(ctx, 1, set)
		p.active.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p.operations != nil {
			p.active.Add(ctx, -1, set)
			p.opDuration.Record(ctx, time.Since(start).Seconds(), set)
			if err != nil {
				p.failures.Add(ctx, 1, set, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
			}
		}
		SetSpanStatus(ctx, err)
		span.End()
	}
}
