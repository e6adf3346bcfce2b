package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on spans.
const (
	AttrSuiteID    = attribute.Key("browserperf.suite_id")
	AttrTestID     = attribute.Key("browserperf.test_id")
	AttrAttempt    = attribute.Key("browserperf.attempt")
	AttrIteration  = attribute.Key("browserperf.iteration")
	AttrIterations = attribute.Key("browserperf.iterations")
	AttrAction     = attribute.Key("browserperf.action.name")
	AttrActionType = attribute.Key("browserperf.action.type")
	AttrLoopID     = attribute.Key("browserperf.loop_id")
	AttrCycle      = attribute.Key("browserperf.cycle")
	AttrErrorKind  = attribute.Key("browserperf.error.kind")
)

// StartRunSpan starts the span of one session attempt.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, suiteID, testID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "run",
		trace.WithAttributes(
			AttrSuiteID.String(suiteID),
			AttrTestID.String(testID),
			AttrAttempt.Int(attempt),
		),
	)
}

// StartIterationSpan starts the span of one outer iteration.
func StartIterationSpan(ctx context.Context, tracer trace.Tracer, index, total int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "iteration",
		trace.WithAttributes(
			AttrIteration.Int(index),
			AttrIterations.Int(total),
		),
	)
}

// StartActionSpan starts the span of one executed action.
func StartActionSpan(ctx context.Context, tracer trace.Tracer, name, actionType, loopID string, cycle int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrAction.String(name),
		AttrActionType.String(actionType),
		AttrCycle.Int(cycle),
	}

	if loopID != "" {
		attrs = append(attrs, AttrLoopID.String(loopID))
	}

	return tracer.Start(ctx, "action "+name, trace.WithAttributes(attrs...))
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}
