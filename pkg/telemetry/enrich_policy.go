package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safety/pkg/domain"
)

// RecordPolicyResult annotates span with the outcome of a policy evaluation.
func RecordPolicyResult(span trace.Span, result domain.PolicyResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("safety.policy", result.Policy),
		attribute.String("safety.category", string(result.Category)),
		attribute.String("safety.outcome", string(result.Outcome)),
		attribute.Int("safety.matches.count", result.Matches),
		attribute.Int("safety.detector_failures.count", len(result.Failures)),
	)

	for _, f := range result.Failures {
		span.AddEvent("safety.detector_unavailable", trace.WithAttributes(
			attribute.String("safety.detector", f.Detector),
		))
	}

	switch result.Outcome {
	case domain.OutcomeBlocked:
		span.AddEvent("safety.blocked")
	case domain.OutcomeViolation:
		span.AddEvent("safety.violation")
	}
}

// RecordEvaluationError marks span as failed without recording the message
// body, which may quote user text in wrapped errors.
func RecordEvaluationError(span trace.Span, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}
	span.SetStatus(codes.Error, "evaluation failed")
	span.SetAttributes(attribute.String("safety.error.type", errorType(err)))
}
