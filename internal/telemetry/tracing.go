package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JakeFAU/instrument-catalog"

// StartSpan opens a span on the global tracer provider. Callers must End it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RunAttr tags a span with the run ID.
func RunAttr(runID string) attribute.KeyValue {
	return attribute.String("catalog.run_id", runID)
}

// SourceAttr tags a span with the source kind.
func SourceAttr(source string) attribute.KeyValue {
	return attribute.String("catalog.source", source)
}

// SegmentAttr tags a span with a segment key.
func SegmentAttr(key string) attribute.KeyValue {
	return attribute.String("catalog.segment", key)
}
