// Package svctrace wires OpenTelemetry spans around engine operations,
// grounded on the teacher's internal/observability tracer. Sender.Send is
// the only operation wrapped in a span; receive, renew-lock and management
// requests are not traced. The engine
// only calls otel's global API (otel.Tracer); wiring an SDK/exporter is
// left to the embedding application, exactly as with any instrumented
// library.
package svctrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/oriys/svcbus"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named op over the given entity, returning the
// derived context and a span-ending func suitable for `defer end(&err)`.
func StartSpan(ctx context.Context, op, entity string) (context.Context, func(err *error)) {
	ctx, span := tracer().Start(ctx, op, trace.WithAttributes(
		attribute.String("servicebus.entity_path", entity),
	))
	return ctx, func(err *error) {
		if err != nil && *err != nil {
			span.RecordError(*err)
		}
		span.End()
	}
}
