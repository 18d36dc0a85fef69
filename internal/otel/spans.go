package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for swarmlink spans.
var (
	AttrJobID        = attribute.Key("swarmlink.job.id")
	AttrTargetKey    = attribute.Key("swarmlink.target.key")
	AttrTurn         = attribute.Key("swarmlink.exchange.turn")
	AttrAttempt      = attribute.Key("swarmlink.exchange.attempt")
	AttrDelegationID = attribute.Key("swarmlink.delegation.id")
	AttrRunID        = attribute.Key("swarmlink.run.id")
	AttrQueueKey     = attribute.Key("swarmlink.queue.key")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound peer call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
