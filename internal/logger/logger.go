package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "warden"

type Logger struct {
	*zap.SugaredLogger
	otelCore   *otelzap.Core
	tracer     trace.Tracer
	baseLogger *zap.Logger
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	// Reports go to stdout, keep logs off it unless asked.
	zapConfig.OutputPaths = []string{"stderr"}
	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}

	zapConfig.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	baseLogger, err := zapConfig.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	otelCore := otelzap.NewCore(serviceName,
		otelzap.WithAttributes(
			attribute.String("service", serviceName),
		),
	)

	core := zapcore.NewTee(baseLogger.Core(), otelCore)
	enhancedLogger := zap.New(core, zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		SugaredLogger: enhancedLogger.Sugar(),
		otelCore:      otelCore,
		tracer:        otel.Tracer(serviceName + "/logger"),
		baseLogger:    enhancedLogger,
	}, nil
}

// NewNop returns a logger that discards everything. Spans still start so
// callers need no nil checks.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{
		SugaredLogger: base.Sugar(),
		tracer:        otel.Tracer(serviceName + "/nop"),
		baseLogger:    base,
	}
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		spanCtx := span.SpanContext()
		return l.WithFields(
			"trace_id", spanCtx.TraceID().String(),
			"span_id", spanCtx.SpanID().String(),
		)
	}
	return l
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{
		SugaredLogger: l.With(fields...),
		otelCore:      l.otelCore,
		tracer:        l.tracer,
		baseLogger:    l.baseLogger,
	}
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

func (l *Logger) WithScanID(scanID string) *Logger {
	return l.WithFields("scan_id", scanID)
}

// Span and tracing utilities

func (l *Logger) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if l.tracer == nil {
		l.tracer = otel.Tracer(serviceName + "/default")
	}
	return l.tracer.Start(ctx, name, opts...)
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)

	allFields := []interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Infow("Operation completed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("operation_completed", trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.Int64("duration_ms", duration.Milliseconds()),
		))
	}
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}

	allFields := []interface{}{
		"error", err.Error(),
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Errorw("Operation failed", allFields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Scan-specific logging methods

// LogProbe writes the audit line for one executed probe. Every probe is
// logged with its method, URL and acting identity.
func (l *Logger) LogProbe(ctx context.Context, res *types.ProbeResult) {
	tc := res.TestCase
	fields := []interface{}{
		"probe", true,
		"probe_index", tc.Index,
		"probe_kind", string(tc.Kind),
		"http_method", tc.Request.Method,
		"http_url", tc.Request.URL,
		"identity", tc.Identity.Name,
		"role", string(tc.Identity.Role),
		"http_status", res.StatusCode,
		"attempts", res.Attempts,
		"duration_ms", res.Latency.Milliseconds(),
	}
	if tc.ResourceID != "" {
		fields = append(fields, "resource_id", tc.ResourceID)
	}

	switch {
	case res.Skipped():
		fields = append(fields, "skip_reason", res.SkipReason)
		l.WithContext(ctx).Infow("Probe not sent", fields...)
	case res.Error != "":
		fields = append(fields, "error", res.Error)
		l.WithContext(ctx).Warnw("Probe inconclusive", fields...)
	default:
		l.WithContext(ctx).Infow("Probe completed", fields...)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("probe", trace.WithAttributes(
			attribute.String("method", tc.Request.Method),
			attribute.String("url", tc.Request.URL),
			attribute.String("identity", tc.Identity.Name),
			attribute.Int("status_code", res.StatusCode),
		))
	}
}

func (l *Logger) LogVulnerability(ctx context.Context, v *types.Vulnerability) {
	fields := []interface{}{
		"vulnerability_detected", true,
		"id", v.ID,
		"type", string(v.Type),
		"endpoint", v.EndpointKey(),
		"severity", v.Severity.String(),
		"acting_identity", v.ActingIdentity,
	}
	if v.TargetIdentity != "" {
		fields = append(fields, "target_identity", v.TargetIdentity)
	}

	if v.Severity.Blocking() {
		l.WithContext(ctx).Warnw("Vulnerability detected", fields...)
	} else {
		l.WithContext(ctx).Infow("Vulnerability detected", fields...)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("vulnerability_detected", trace.WithAttributes(
			attribute.String("type", string(v.Type)),
			attribute.String("endpoint", v.EndpointKey()),
			attribute.String("severity", v.Severity.String()),
		))
	}
}

func (l *Logger) LogViolation(ctx context.Context, v *types.PolicyViolation) {
	l.WithContext(ctx).Infow("Policy violation",
		"policy_violation", true,
		"rule", v.Rule,
		"endpoint", v.Endpoint,
		"method", v.Method,
		"severity", v.Severity.String(),
		"action", v.Action,
		"record_index", v.RecordIndex,
	)
}

// LogProbeProgress records how many of a scan's probes have finished.
func (l *Logger) LogProbeProgress(ctx context.Context, done, total int) {
	percent := 100.0
	if total > 0 {
		percent = float64(done) * 100 / float64(total)
	}
	l.WithContext(ctx).Infow("Probe progress",
		"probes_done", done,
		"probes_total", total,
		"progress_percent", percent,
	)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("probe_progress", trace.WithAttributes(
			attribute.Int("probes_done", done),
			attribute.Int("probes_total", total),
		))
	}
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation string, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	allFields := []interface{}{
		"db_operation", operation,
		"db_table", table,
		"rows_affected", rowsAffected,
		"duration_ms", duration.Milliseconds(),
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Debugw("Database operation completed", allFields...)
}

// Context utilities

type contextKey struct{}

var loggerKey = contextKey{}

func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	logger, _ := New(config.LoggerConfig{Level: "info", Format: "json"})
	return logger
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.StartSpan(ctx, operation)

	allFields := []interface{}{
		"operation", operation,
		"operation_start", true,
	}
	allFields = append(allFields, fields...)

	l.WithContext(ctx).Debugw("Operation started", allFields...)

	return ctx, span
}

func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	duration := time.Since(start)

	allFields := []interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
		"operation_end", true,
	}
	allFields = append(allFields, fields...)

	if err != nil {
		l.LogError(ctx, err, operation, allFields...)
	} else {
		l.WithContext(ctx).Debugw("Operation completed successfully", allFields...)
		span.SetStatus(codes.Ok, "completed")
	}
}
