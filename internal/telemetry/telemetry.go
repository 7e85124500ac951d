package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	scanCounter    metric.Int64Counter
	scanDuration   metric.Float64Histogram
	probeCounter   metric.Int64Counter
	findingCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meter := otel.Meter(cfg.ServiceName)

	scanCounter, err := meter.Int64Counter("warden.scans.total",
		metric.WithDescription("Total number of scans"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram("warden.scan.duration",
		metric.WithDescription("Scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	probeCounter, err := meter.Int64Counter("warden.probes.total",
		metric.WithDescription("Total number of probes sent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("warden.findings.total",
		metric.WithDescription("Total number of findings"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		meter:          meter,
		tracerProvider: tp,
		scanCounter:    scanCounter,
		scanDuration:   scanDuration,
		probeCounter:   probeCounter,
		findingCounter: findingCounter,
	}, nil
}

func (t *telemetry) RecordScan(duration float64, passed bool, complete bool) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.Bool("scan.passed", passed),
		attribute.Bool("scan.complete", complete),
	}

	t.scanCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.scanDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordProbe(kind types.ProbeKind, statusCode int, failed bool) {
	t.probeCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("probe.kind", string(kind)),
		attribute.String("probe.status", strconv.Itoa(statusCode)),
		attribute.Bool("probe.failed", failed),
	))
}

func (t *telemetry) RecordFinding(kind string, severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("finding.kind", kind),
		attribute.String("finding.severity", severity.String()),
	))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

// NewNoop returns telemetry that records nothing.
func NewNoop() core.Telemetry {
	return &noopTelemetry{}
}

func (n *noopTelemetry) RecordScan(duration float64, passed bool, complete bool)      {}
func (n *noopTelemetry) RecordProbe(kind types.ProbeKind, statusCode int, failed bool) {}
func (n *noopTelemetry) RecordFinding(kind string, severity types.Severity)            {}
func (n *noopTelemetry) Close() error                                                  { return nil }
