package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/healinparadise/preorders/internal/platform/observability"

// OrderMetrics counts order lifecycle outcomes.
type OrderMetrics struct {
	submitted           metric.Int64Counter
	receiptsUploaded    metric.Int64Counter
	notificationsFailed metric.Int64Counter
}

// NewOrderMetrics registers the order counters on the meter, or the global meter provider when nil.
func NewOrderMetrics(meter metric.Meter) (*OrderMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	submitted, err := meter.Int64Counter("orders.submitted", metric.WithDescription("Orders stored, by initial status"))
	if err != nil {
		return nil, err
	}
	uploaded, err := meter.Int64Counter("orders.receipts_uploaded", metric.WithDescription("Receipts accepted on the pending_payment to pending edge"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("orders.notifications_failed", metric.WithDescription("Notification emails that could not be sent"))
	if err != nil {
		return nil, err
	}
	return &OrderMetrics{submitted: submitted, receiptsUploaded: uploaded, notificationsFailed: failed}, nil
}

// OrderSubmitted records a stored order.
func (m *OrderMetrics) OrderSubmitted(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// ReceiptUploaded records an accepted receipt.
func (m *OrderMetrics) ReceiptUploaded(ctx context.Context) {
	if m == nil {
		return
	}
	m.receiptsUploaded.Add(ctx, 1)
}

// NotificationFailed records a failed email by template.
func (m *OrderMetrics) NotificationFailed(ctx context.Context, template string) {
	if m == nil {
		return
	}
	m.notificationsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
}
