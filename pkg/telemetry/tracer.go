package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrExecutionID   = attribute.Key("execution.id")
	AttrState         = attribute.Key("state.name")
	AttrStrategy      = attribute.Key("strategy")
	AttrCorrelationID = attribute.Key("task.correlation_id")
	AttrTaskKind      = attribute.Key("task.kind")
	AttrOperation     = attribute.Key("operation")
	AttrRelease       = attribute.Key("release.name")
	AttrOutcome       = attribute.Key("outcome.status")
)

// Tracer starts spans for strategy invocations and task dispatches.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. A disabled config yields a no-op tracer and
// leaves the global provider untouched.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName + "/" + serviceVersion)),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Start begins a span.
func (t *Tracer) Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, spanName)
	}
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StartStrategySpan starts a span for a Begin ("begin") or Resume ("resume") call.
func (t *Tracer) StartStrategySpan(ctx context.Context, phase, executionID, state, strategy string) (context.Context, trace.Span) {
	return t.Start(ctx, "strategy."+phase,
		AttrExecutionID.String(executionID),
		AttrState.String(state),
		AttrStrategy.String(strategy),
	)
}

// StartDispatchSpan starts a span around a task submission.
func (t *Tracer) StartDispatchSpan(ctx context.Context, kind, operation string) (context.Context, trace.Span) {
	return t.Start(ctx, "task.dispatch",
		AttrTaskKind.String(kind),
		AttrOperation.String(operation),
	)
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// RecordOutcome tags a strategy span with the terminal outcome of the step.
// Only FAILED marks the span as an error.
func RecordOutcome(span trace.Span, status, release string) {
	span.SetAttributes(AttrOutcome.String(status))
	if release != "" {
		span.SetAttributes(AttrRelease.String(release))
	}
	if status == "FAILED" {
		span.SetStatus(codes.Error, "step failed")
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
