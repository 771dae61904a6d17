package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/healinparadise/preorders/internal/domain"
)

func TestDecodeOrderEventAcceptsLegacyStatus(t *testing.T) {
	payload := []byte(`{"id":"01J","type":"order.created","tracking_number":"HIP-2025-ZZZZZ",
		"current_status":"processing","occurred_at":"2025-05-06T09:00:00Z",
		"order":{"tracking_number":"HIP-2025-ZZZZZ","status":"processing","number_of_copies":1}}`)
	event, err := DecodeOrderEvent(payload)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, event.CurrentStatus)
	require.Equal(t, domain.OrderStatusConfirmed, event.Order.Status)
	require.Empty(t, event.PreviousStatus)
}

func TestDecodeOrderEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeOrderEvent([]byte(`{"id":"1","type":"order.deleted","order":{"status":"pending"}}`))
	require.Error(t, err)
}

func TestEncodeOrderEventRequiresIdentity(t *testing.T) {
	_, err := EncodeOrderEvent(domain.OrderEvent{Type: domain.OrderEventCreated})
	require.Error(t, err)
}

func TestEncodeDecodePreservesSnapshot(t *testing.T) {
	event := sampleEvent()
	data, err := EncodeOrderEvent(event)
	require.NoError(t, err)
	got, err := DecodeOrderEvent(data)
	require.NoError(t, err)
	require.Equal(t, event.Order.ReceiptFileURL, got.Order.ReceiptFileURL)
	require.True(t, got.Order.BringGuest)
	require.Equal(t, domain.OrderStatusPendingPayment, got.PreviousStatus)
}
