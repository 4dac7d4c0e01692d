package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stromq/strom/job"
)

// tracerName is the instrumentation scope name for strom tracing.
const tracerName = "github.com/stromq/strom"

// Tracing returns middleware that wraps job execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: strom.job.id, strom.job.type, strom.queue,
// strom.tier, strom.attempt, strom.correlation_id.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "strom.job.execute",
			trace.WithAttributes(
				attribute.String("strom.job.id", j.ID.String()),
				attribute.String("strom.job.type", j.Type),
				attribute.String("strom.queue", j.Queue),
				attribute.String("strom.tier", string(j.Tier)),
				attribute.Int("strom.attempt", j.Attempts),
				attribute.String("strom.correlation_id", j.CorrelationID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
