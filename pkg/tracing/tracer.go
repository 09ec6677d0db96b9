// Package tracing provides the shared OTel tracer helper.
//
// Without a registered TracerProvider (tests, local runs) the global no-op
// provider is used and every call is inert.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ocrfleet"

// Start creates a span as a child of the span in ctx, or a root span when ctx
// carries none. The caller must End the span.
//
//	ctx, span := tracing.Start(ctx, "intake.admit",
//	    attribute.String("ocrfleet.job.id", jobID),
//	)
//	defer span.End()
func Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
