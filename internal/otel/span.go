// Package otel provides small OpenTelemetry helpers shared by the sync engine,
// the transport client and the row stores.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on sync spans
const (
	AttrTable     = attribute.Key("sync.table")
	AttrPhase     = attribute.Key("sync.phase")
	AttrRole      = attribute.Key("sync.role")
	AttrStrategy  = attribute.Key("sync.strategy")
	AttrCursor    = attribute.Key("sync.cursor")
	AttrRows      = attribute.Key("sync.rows")
	AttrBatchID   = attribute.Key("sync.batch_id")
	AttrAttempts  = attribute.Key("sync.attempts")
	AttrPageSize  = attribute.Key("pagination.limit")
	AttrHasCursor = attribute.Key("pagination.has_cursor")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns
// the span already in ctx.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on the span and marks it failed. The status
// description stays generic; details are kept in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
