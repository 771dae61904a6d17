package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VerificationMetrics counts OIDC and HMAC verification outcomes. A nil value records nothing.
type VerificationMetrics struct {
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewVerificationMetrics registers the instruments on meter.
func NewVerificationMetrics(meter metric.Meter) (*VerificationMetrics, error) {
	outcomes, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Server-to-server request verifications by kind and outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.verification.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent verifying a request"))
	if err != nil {
		return nil, err
	}
	return &VerificationMetrics{outcomes: outcomes, latency: latency}, nil
}

func (m *VerificationMetrics) record(ctx context.Context, kind string, success bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.outcomes.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
