package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for labclaw spans.
var (
	AttrSessionID  = attribute.Key("labclaw.session.id")
	AttrTurnID     = attribute.Key("labclaw.turn.id")
	AttrToolCallID = attribute.Key("labclaw.tool_call.id")
	AttrSkillName  = attribute.Key("labclaw.skill.name")
	AttrLanguage   = attribute.Key("labclaw.sandbox.language")
	AttrPolicyRule = attribute.Key("labclaw.policy.rule")
	AttrIteration  = attribute.Key("labclaw.turn.iteration")
	AttrModel      = attribute.Key("labclaw.model")
)

// Tracer returns the globally registered tracer. It is a no-op until Init
// installs a provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model provider, child process).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
