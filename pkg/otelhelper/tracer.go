// Package otelhelper provides distributed tracing helpers for command and
// job execution.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared across the engine.
const (
	CommandNameKey       = "procession.command.name"
	ProcessInstanceKey   = "procession.process_instance.id"
	ProcessDefinitionKey = "procession.process_definition.id"
	ExecutionIDKey       = "procession.execution.id"
	SubscriptionIDKey    = "procession.subscription.id"
	JobIDKey             = "procession.job.id"
	JobTypeKey           = "procession.job.type"
	WorkerIDKey          = "procession.worker.id"
)

// NewTracer installs an OTLP-exporting tracer provider and returns a tracer
// for the service. The exporter endpoint comes from the standard OTEL_*
// environment variables.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return provider.Tracer(serviceName), nil
}

// StartSpan opens a span with the given attributes.
//
// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
