package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithTrace returns the logger enriched with the trace id of the span
// active in ctx, if any. Callers pass the result around instead of the
// bare logger so coordinator events can be tied back to the request
// that caused them.
func WithTrace(ctx context.Context, log *zap.Logger) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return log
	}
	return log.With(zap.String("trace_id", span.SpanContext().TraceID().String()))
}

// WithLabel tags the logger with a request label.
func WithLabel(log *zap.Logger, label string) *zap.Logger {
	return log.With(zap.String("request_label", label))
}
