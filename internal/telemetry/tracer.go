// Package telemetry wires OpenTelemetry tracing for the engine.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefinitionIDKey = attribute.Key("campaignflow.definition.id")
	EnrollmentIDKey = attribute.Key("campaignflow.enrollment.id")
	ContactIDKey    = attribute.Key("campaignflow.contact.id")
	StepIDKey       = attribute.Key("campaignflow.step.id")
	StepTypeKey     = attribute.Key("campaignflow.step.type")
	WorkerIDKey     = attribute.Key("campaignflow.worker.id")
	EventTypeKey    = attribute.Key("campaignflow.event.type")
)

const instrumentationName = "github.com/RealZimboGuy/campaignflow"

// Tracer returns the tracer of the globally registered provider. Without
// Setup it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs an OTLP/HTTP exporting provider as the global one. The
// exporter reads the standard OTEL_EXPORTER_OTLP_* variables.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp.Shutdown, nil
}

func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
