package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("msgspool/internal/spool")

// TraceStoreOp opens a span named "spool.<operation>" for the duration
// of fn, recording any error on the span, per the tracing requirement
// that every repository operation be individually traceable.
func TraceStoreOp(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "spool."+operation, trace.WithAttributes(
		attribute.String("spool.operation", operation),
	))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
