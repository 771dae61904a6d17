package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/mail"
)

type recordingMailer struct {
	mu      sync.Mutex
	sent    []mail.Message
	failFor map[string]error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) (string, error) {
	if err := m.failFor[msg.Tags["template"]]; err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return "msg-" + msg.Tags["template"], nil
}

func (m *recordingMailer) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Subject)
	}
	sort.Strings(out)
	return out
}

func (m *recordingMailer) byTemplate(name string) (mail.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.sent {
		if msg.Tags["template"] == name {
			return msg, true
		}
	}
	return mail.Message{}, false
}

func newNotificationFixture(t *testing.T, admins ...string) (NotificationService, *recordingMailer) {
	t.Helper()
	renderer, err := mail.NewRenderer()
	require.NoError(t, err)
	mailer := &recordingMailer{}
	svc, err := NewNotificationService(NotificationServiceDeps{
		Mailer:          mailer,
		Renderer:        renderer,
		From:            "Heal in Paradise <orders@healinparadise.com>",
		AdminFrom:       "New Pre-Order <system@healinparadise.com>",
		AdminRecipients: admins,
		OrderURL: func(tn string) string {
			return "https://www.healinparadise.com/order/" + tn
		},
	})
	require.NoError(t, err)
	return svc, mailer
}

func sampleOrder(status domain.OrderStatus) domain.Order {
	receipt := "https://storage.googleapis.com/receipts/HIP-2025-K7Q2M-slip.png"
	order := domain.Order{
		TrackingNumber:  "HIP-2025-K7Q2M",
		CustomerName:    "Aisha Ibrahim",
		CustomerEmail:   "aisha@example.com",
		CustomerPhone:   "+960 777 1234",
		ShippingAddress: "H. Blue Villa\nMale'",
		NumberOfCopies:  2,
		JoinEvent:       true,
		Status:          status,
	}
	if status != domain.OrderStatusPendingPayment {
		order.ReceiptFileURL = &receipt
	}
	return order
}

func TestNotificationServiceCreatedAwaitingPayment(t *testing.T) {
	svc, mailer := newNotificationFixture(t, "admin@healinparadise.com")

	handled, err := svc.HandleOrderEvent(context.Background(), OrderEvent{
		ID:            "evt-1",
		Type:          domain.OrderEventCreated,
		CurrentStatus: domain.OrderStatusPendingPayment,
		Order:         sampleOrder(domain.OrderStatusPendingPayment),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"Action Required: Complete Your 'Heal in Paradise' Pre-Order #HIP-2025-K7Q2M"}, mailer.subjects())

	msg, ok := mailer.byTemplate(mail.TemplatePaymentRequired)
	require.True(t, ok)
	assert.Equal(t, []string{"aisha@example.com"}, msg.To)
	assert.Equal(t, "Heal in Paradise <orders@healinparadise.com>", msg.From)
	assert.Contains(t, msg.HTML, "https://www.healinparadise.com/order/HIP-2025-K7Q2M")
}

func TestNotificationServiceReceiptSubmitted(t *testing.T) {
	svc, mailer := newNotificationFixture(t, "admin@healinparadise.com", " ")

	handled, err := svc.HandleOrderEvent(context.Background(), OrderEvent{
		Type:           domain.OrderEventReceiptSubmitted,
		PreviousStatus: domain.OrderStatusPendingPayment,
		CurrentStatus:  domain.OrderStatusPending,
		Order:          sampleOrder(domain.OrderStatusPending),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{
		"Receipt Uploaded: Aisha Ibrahim (#HIP-2025-K7Q2M)",
		"Submission Received for 'Heal in Paradise' Pre-Order #HIP-2025-K7Q2M",
	}, mailer.subjects())

	admin, ok := mailer.byTemplate(mail.TemplateAdminReceipt)
	require.True(t, ok)
	assert.Equal(t, []string{"admin@healinparadise.com"}, admin.To)
	assert.Equal(t, "New Pre-Order <system@healinparadise.com>", admin.From)
	assert.Contains(t, admin.HTML, "View Payment Receipt")
	assert.Contains(t, admin.HTML, "Registered")
}

func TestNotificationServiceCreatedWithInlineReceipt(t *testing.T) {
	svc, mailer := newNotificationFixture(t, "admin@healinparadise.com")

	handled, err := svc.HandleOrderEvent(context.Background(), OrderEvent{
		Type:          domain.OrderEventCreated,
		CurrentStatus: domain.OrderStatusPending,
		Order:         sampleOrder(domain.OrderStatusPending),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{
		"New Pre-Order Received: Aisha Ibrahim (#HIP-2025-K7Q2M)",
		"Submission Received for 'Heal in Paradise' Pre-Order #HIP-2025-K7Q2M",
	}, mailer.subjects())
}

func TestNotificationServiceSkipsAdminWithoutRecipients(t *testing.T) {
	svc, mailer := newNotificationFixture(t)

	_, err := svc.HandleOrderEvent(context.Background(), OrderEvent{
		Type:           domain.OrderEventReceiptSubmitted,
		PreviousStatus: domain.OrderStatusPendingPayment,
		CurrentStatus:  domain.OrderStatusPending,
		Order:          sampleOrder(domain.OrderStatusPending),
	})
	require.NoError(t, err)
	assert.Len(t, mailer.subjects(), 1)
}

func TestNotificationServiceIgnoresOtherEvents(t *testing.T) {
	svc, mailer := newNotificationFixture(t, "admin@healinparadise.com")

	events := []OrderEvent{
		{Type: domain.OrderEventReceiptSubmitted, PreviousStatus: domain.OrderStatusPending, CurrentStatus: domain.OrderStatusConfirmed, Order: sampleOrder(domain.OrderStatusConfirmed)},
		{Type: domain.OrderEventCreated, CurrentStatus: domain.OrderStatusConfirmed, Order: sampleOrder(domain.OrderStatusConfirmed)},
		{Type: domain.OrderEventCreated, CurrentStatus: domain.OrderStatusPendingPayment},
	}
	for _, event := range events {
		handled, err := svc.HandleOrderEvent(context.Background(), event)
		require.NoError(t, err)
		assert.False(t, handled)
	}
	assert.Empty(t, mailer.subjects())
}

func TestNotificationServiceFailureStillAttemptsOtherEmails(t *testing.T) {
	svc, mailer := newNotificationFixture(t, "admin@healinparadise.com")
	sendErr := errors.New("resend: 429")
	mailer.failFor = map[string]error{mail.TemplateAdminReceipt: sendErr}

	event := OrderEvent{
		Type:           domain.OrderEventReceiptSubmitted,
		PreviousStatus: domain.OrderStatusPendingPayment,
		CurrentStatus:  domain.OrderStatusPending,
		Order:          sampleOrder(domain.OrderStatusPending),
	}
	handled, err := svc.HandleOrderEvent(context.Background(), event)
	assert.True(t, handled)
	require.ErrorIs(t, err, sendErr)
	_, ok := mailer.byTemplate(mail.TemplateReceiptReceived)
	assert.True(t, ok, "customer email should still be sent")

	// The in-process publisher swallows the failure.
	require.NoError(t, svc.PublishOrderEvent(context.Background(), event))
}

func TestNewNotificationServiceRequiresCollaborators(t *testing.T) {
	renderer, err := mail.NewRenderer()
	require.NoError(t, err)

	_, err = NewNotificationService(NotificationServiceDeps{Renderer: renderer, From: "a@b.co"})
	require.Error(t, err)
	_, err = NewNotificationService(NotificationServiceDeps{Mailer: &recordingMailer{}, From: "a@b.co"})
	require.Error(t, err)
	_, err = NewNotificationService(NotificationServiceDeps{Mailer: &recordingMailer{}, Renderer: renderer})
	require.Error(t, err)
}
