package cache

import (
	"context"
	"time"

	"github.com/agentuity/cachemachine/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/agentuity/cachemachine/cache")

// start opens a span for op and returns a func that records the outcome in
// the span and in the command latency histogram.
func (m *Machine) start(ctx context.Context, op string, key string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String("cache.op", op)}
	if key != "" {
		attrs = append(attrs, attribute.String("cache.key", key))
	}
	ctx, span := tracer.Start(ctx, "cache."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	started := time.Now()
	return ctx, func(err error) {
		metrics.ObserveCommand(op, time.Since(started), err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
