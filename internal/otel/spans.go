package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID        = attribute.Key("chaperone.task.id")
	AttrTaskStatus    = attribute.Key("chaperone.task.status")
	AttrSandboxID     = attribute.Key("chaperone.sandbox.id")
	AttrContainerName = attribute.Key("chaperone.sandbox.container_name")
	AttrQueueDepth    = attribute.Key("chaperone.concurrency.queue_depth")
	AttrRunningCount  = attribute.Key("chaperone.concurrency.running_count")
	AttrChannel       = attribute.Key("chaperone.chat.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (chat platform webhook/long-poll delivery).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (pub/sub, container platform).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
