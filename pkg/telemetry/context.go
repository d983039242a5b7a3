package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithJobContext creates a context enriched with job-specific telemetry.
func WithJobContext(ctx context.Context, jobID, kind string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start job span
	spanCtx, span := tel.Tracer.StartJobSpan(ctx, jobID, kind)

	// Create job-specific logger
	logger := tel.Logger.WithJob(jobID).WithField("kind", kind)
	spanCtx = logger.WithContext(spanCtx)

	// Record job started metric
	tel.Metrics.RecordJobStarted(kind)

	// Publish job started event
	_ = tel.Events.PublishJobStarted(jobID, kind)

	// Store the span and timer in context for later retrieval
	spanCtx = context.WithValue(spanCtx, jobSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, jobTimerKey{}, NewTimer())

	return spanCtx
}

// jobSpanKey is the context key for job spans.
type jobSpanKey struct{}

// jobTimerKey is the context key for job timers.
type jobTimerKey struct{}

// EndJobContext completes the job context, recording metrics and events.
func EndJobContext(ctx context.Context, jobID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the job span from context
	if span, ok := ctx.Value(jobSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrJobStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	var duration time.Duration
	if timer, ok := ctx.Value(jobTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Record metrics
	tel.Metrics.RecordJobCompleted(status, duration)

	// Publish events
	if err != nil {
		_ = tel.Events.PublishJobFailed(jobID, err.Error())
	} else {
		_ = tel.Events.PublishJobCompleted(jobID, status, duration)
	}
}

// WithDeviceContext creates a context enriched with device-task telemetry.
func WithDeviceContext(ctx context.Context, jobID, deviceID, deviceType string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start device span
	spanCtx, span := tel.Tracer.StartDeviceSpan(ctx, jobID, deviceID, deviceType)

	// Create device-specific logger
	logger := tel.Logger.
		WithJob(jobID).
		WithDevice(deviceID).
		WithField("device_type", deviceType)
	spanCtx = logger.WithContext(spanCtx)

	// Publish device started event
	_ = tel.Events.PublishDeviceStarted(jobID, deviceID, deviceType)

	// Store the span and timer in context
	spanCtx = context.WithValue(spanCtx, deviceSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, deviceTimerKey{}, NewTimer())

	return spanCtx
}

// deviceSpanKey is the context key for device spans.
type deviceSpanKey struct{}

// deviceTimerKey is the context key for device timers.
type deviceTimerKey struct{}

// EndDeviceContext completes the device context, recording metrics and events.
func EndDeviceContext(ctx context.Context, jobID, deviceID, deviceType, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the span from context
	if span, ok := ctx.Value(deviceSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrDeviceStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	var duration time.Duration
	if timer, ok := ctx.Value(deviceTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Record metrics
	tel.Metrics.RecordDeviceTask(deviceType, status, duration)

	// Publish events
	_ = tel.Events.PublishDeviceOutcome(jobID, deviceID, status, duration)
}

// RecordDriverOperation records a driver session operation with metrics and tracing.
func RecordDriverOperation(ctx context.Context, driverName, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartDriverSpan(ctx, driverName, operation)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute operation
	err := fn()

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordDriverCall(driverName, operation, duration)
		if err != nil {
			tel.Metrics.RecordDriverError(driverName, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
