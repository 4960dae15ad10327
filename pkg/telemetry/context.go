package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes the tracer and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}

// InstrumentedCall carries the span and timer of one API call.
type InstrumentedCall struct {
	Ctx  context.Context
	Span trace.Span

	method   string
	endpoint string
	timer    *Timer
	metrics  *Metrics
}

// StartAPICall begins an instrumented API call. Either argument may be nil.
func StartAPICall(ctx context.Context, tracer *Tracer, metrics *Metrics, method, endpoint string) *InstrumentedCall {
	spanCtx, span := tracer.StartAPISpan(ctx, method, endpoint)
	return &InstrumentedCall{
		Ctx:      spanCtx,
		Span:     span,
		method:   method,
		endpoint: endpoint,
		timer:    NewTimer(),
		metrics:  metrics,
	}
}

// End finishes the call. code is the HTTP status, or 0 if none was received;
// errorKind classifies err for the error counter.
func (c *InstrumentedCall) End(code int, errorKind string, err error) {
	c.metrics.RecordAPICall(c.method, c.endpoint, code, c.timer.Duration())
	if code != 0 {
		c.Span.SetAttributes(AttrStatusCode.Int(code))
	}
	if err != nil {
		c.metrics.RecordAPIError(c.endpoint, errorKind)
		c.Span.SetAttributes(AttrErrorKind.String(errorKind))
		RecordError(c.Span, err)
	} else {
		RecordSuccess(c.Span)
	}
	c.Span.End()
}
