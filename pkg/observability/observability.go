// Package observability wires OpenTelemetry tracing and metrics for paygate and counts the
// payment and escrow outcomes operators alert on.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/paygate/pkg/escrow"
	"github.com/Mindburn-Labs/paygate/pkg/paygate"
)

const scope = "github.com/Mindburn-Labs/paygate"

// Config configures export. With Enabled false nothing leaves the process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig has telemetry off; serve turns it on from configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "paygate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider records spans around gated calls and counts payment decisions and escrow events.
type Provider struct {
	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer

	shutdown []func(context.Context) error

	calls     metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
	decisions metric.Int64Counter
	events    metric.Int64Counter
}

// New builds a Provider. Disabled, it records into the global no-op providers, so every
// method stays safe to call.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}

	if cfg.Enabled {
		if err := p.export(ctx); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.logger.InfoContext(ctx, "exporting telemetry",
			"endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate, "environment", cfg.Environment)
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	meter := otel.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&p.calls, "paygate.calls", "Gated operations started"},
		{&p.failures, "paygate.call.failures", "Gated operations that returned an error"},
		{&p.decisions, "paygate.payment.decisions", "Payment gate decisions by outcome"},
		{&p.events, "paygate.escrow.events", "Escrow events by type"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}
	// Settlement round trips dominate, so buckets stretch to the facilitator timeout.
	if p.latency, err = meter.Float64Histogram("paygate.call.duration",
		metric.WithDescription("Gated operation latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16)); err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	return p, nil
}

// export installs OTLP trace and metric pipelines as the global providers.
func (p *Provider) export(ctx context.Context) error {
	// Schemaless, so the merge never conflicts with the SDK default's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(p.cfg.ServiceName),
		semconv.ServiceVersion(p.cfg.ServiceVersion),
		semconv.DeploymentEnvironment(p.cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.cfg.SampleRate))),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(p.cfg.MetricInterval))),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdown[i](ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TrackOperation starts a span for one gated call. The returned func ends it and must be
// called with the call's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("call", name)}, attrs...)...)
	p.calls.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.failures.Add(ctx, 1, set)
		}
		span.End()
	}
}

// RecordDecision counts one payment gate decision.
func (p *Provider) RecordDecision(ctx context.Context, operation string, d paygate.Decision) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("decision", string(d)),
	))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("paygate.decision", string(d)))
}

// Emit counts an escrow event and records it on the active span.
func (p *Provider) Emit(ctx context.Context, e escrow.Event) {
	p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))
	trace.SpanFromContext(ctx).AddEvent(string(e.Type), trace.WithAttributes(attribute.Int64("task.id", e.TaskID)))
}

var (
	_ paygate.Recorder = (*Provider)(nil)
	_ escrow.EventSink = (*Provider)(nil)
)
