package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ids"

// StartRoundSpan starts a span for one deliberation round.
func StartRoundSpan(ctx context.Context, sessionID string, epoch, round int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "round",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("round.epoch", epoch),
			attribute.Int("round.number", round),
		),
	)
}

// StartReviewerSpan starts a span for one reviewer invocation, retries included.
func StartReviewerSpan(ctx context.Context, reviewerID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reviewer",
		trace.WithAttributes(
			attribute.String("reviewer.id", reviewerID),
			attribute.String("reviewer.role", role),
		),
	)
}

// StartCompletionSpan starts a span for a single chat completion request.
func StartCompletionSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chat_completion",
		trace.WithAttributes(attribute.String("llm.model", model)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
