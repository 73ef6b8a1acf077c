package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-safety/pkg/domain"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	evaluationCounter       metric.Int64Counter
	matchCounter            metric.Int64Counter
	detectorFailureCounter  metric.Int64Counter
	evaluationLatencyMillis metric.Float64Histogram
)

// EvaluationMetrics captures the fields recorded for one policy evaluation.
type EvaluationMetrics struct {
	Result   domain.PolicyResult
	Duration time.Duration
}

// RecordEvaluation emits counters and the latency histogram for a policy
// evaluation.
func RecordEvaluation(ctx context.Context, m EvaluationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("policy", m.Result.Policy),
		attribute.String("category", string(m.Result.Category)),
		attribute.String("outcome", string(m.Result.Outcome)),
	)

	evaluationCounter.Add(ctx, 1, attrs)
	if m.Result.Matches > 0 {
		matchCounter.Add(ctx, int64(m.Result.Matches), attrs)
	}
	if m.Duration > 0 {
		evaluationLatencyMillis.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	for _, f := range m.Result.Failures {
		detectorFailureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy", m.Result.Policy),
			attribute.String("detector", f.Detector),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(TracerName)

		evaluationCounter, metricsInitErr = meter.Int64Counter(
			"safety.policy.evaluations_total",
			metric.WithDescription("Policy evaluations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		matchCounter, metricsInitErr = meter.Int64Counter(
			"safety.policy.matches_total",
			metric.WithDescription("Merged matches that survived the category threshold"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		detectorFailureCounter, metricsInitErr = meter.Int64Counter(
			"safety.detector.failures_total",
			metric.WithDescription("Detector calls that could not produce a verdict"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationLatencyMillis, metricsInitErr = meter.Float64Histogram(
			"safety.policy.duration_ms",
			metric.WithDescription("Observed policy evaluation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, domain.ErrPolicyNotFound):
		return "policy_not_found"
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return "invalid_configuration"
	default:
		return "internal"
	}
}
