package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/jobs"
	"github.com/healinparadise/preorders/internal/services"
)

type recordingNotifier struct {
	events []services.OrderEvent
	err    error
}

func (n *recordingNotifier) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	_, err := n.HandleOrderEvent(ctx, event)
	return err
}

func (n *recordingNotifier) HandleOrderEvent(_ context.Context, event services.OrderEvent) (bool, error) {
	n.events = append(n.events, event)
	return true, n.err
}

func eventRouter(h *OrderEventHandlers) http.Handler {
	r := chi.NewRouter()
	r.Route("/internal", h.InternalRoutes)
	r.Route("/webhooks", h.WebhookRoutes)
	return r
}

func pushBody(t *testing.T, data []byte) *strings.Reader {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "msg-1",
		},
		"subscription": "projects/p/subscriptions/order-events-push",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return strings.NewReader(string(payload))
}

func TestOrderEventHandlersPush(t *testing.T) {
	event := domain.OrderEvent{
		ID:             "evt-1",
		Type:           domain.OrderEventCreated,
		TrackingNumber: "HIP-ABC123-XYZ9",
		CurrentStatus:  domain.OrderStatusPendingPayment,
		OccurredAt:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Order: domain.Order{
			TrackingNumber: "HIP-ABC123-XYZ9",
			CustomerEmail:  "aisha@example.com",
			Status:         domain.OrderStatusPendingPayment,
		},
	}
	data, err := jobs.EncodeOrderEvent(event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	t.Run("handled", func(t *testing.T) {
		notifier := &recordingNotifier{}
		router := eventRouter(NewOrderEventHandlers(notifier))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/order-events", pushBody(t, data)))

		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
		}
		if len(notifier.events) != 1 || notifier.events[0].ID != "evt-1" {
			t.Fatalf("unexpected events %+v", notifier.events)
		}
		if notifier.events[0].Order.CustomerEmail != "aisha@example.com" {
			t.Fatalf("expected order snapshot to survive decoding")
		}
	})

	t.Run("handler failure asks for redelivery", func(t *testing.T) {
		notifier := &recordingNotifier{err: errors.New("resend down")}
		router := eventRouter(NewOrderEventHandlers(notifier))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/order-events", pushBody(t, data)))

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rr.Code)
		}
	})

	t.Run("undecodable payload is acknowledged", func(t *testing.T) {
		notifier := &recordingNotifier{}
		router := eventRouter(NewOrderEventHandlers(notifier))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/order-events", pushBody(t, []byte("not json"))))

		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
		if len(notifier.events) != 0 {
			t.Fatalf("expected no events to be handled")
		}
	})

	t.Run("invalid envelope", func(t *testing.T) {
		router := eventRouter(NewOrderEventHandlers(&recordingNotifier{}))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/order-events", strings.NewReader("{")))

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestOrderEventHandlersTableChange(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	receiptUpdate := `{
		"type": "UPDATE",
		"table": "orders",
		"record": {"tracking_number": "HIP-1", "customer_email": "a@example.com", "status": "pending"},
		"old_record": {"tracking_number": "HIP-1", "customer_email": "a@example.com", "status": "pending_payment"}
	}`

	tests := []struct {
		name        string
		body        string
		notifierErr error
		wantStatus  int
		wantMessage string
		wantEvents  int
	}{
		{
			name:        "receipt submitted",
			body:        receiptUpdate,
			wantStatus:  http.StatusOK,
			wantMessage: "Emails processed.",
			wantEvents:  1,
		},
		{
			name:        "irrelevant delete",
			body:        `{"type":"DELETE","old_record":{"tracking_number":"HIP-1","status":"pending"}}`,
			wantStatus:  http.StatusOK,
			wantMessage: "Irrelevant event type.",
		},
		{
			name:        "admin status change",
			body:        `{"type":"UPDATE","record":{"tracking_number":"HIP-1","status":"shipped"},"old_record":{"tracking_number":"HIP-1","status":"confirmed"}}`,
			wantStatus:  http.StatusOK,
			wantMessage: "Irrelevant event type.",
		},
		{
			name:       "malformed",
			body:       `{"type":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "mail failure",
			body:        receiptUpdate,
			notifierErr: errors.New("resend down"),
			wantStatus:  http.StatusInternalServerError,
			wantEvents:  1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			notifier := &recordingNotifier{err: tc.notifierErr}
			router := eventRouter(NewOrderEventHandlers(notifier, WithOrderEventClock(func() time.Time { return now })))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/orders", strings.NewReader(tc.body)))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if tc.wantMessage != "" {
				if body := decodeBody(t, rr); body["message"] != tc.wantMessage {
					t.Fatalf("unexpected message %v", body["message"])
				}
			}
			if len(notifier.events) != tc.wantEvents {
				t.Fatalf("expected %d events, got %d", tc.wantEvents, len(notifier.events))
			}
			if tc.wantEvents > 0 {
				got := notifier.events[0]
				if got.Type != domain.OrderEventReceiptSubmitted || got.PreviousStatus != domain.OrderStatusPendingPayment {
					t.Fatalf("unexpected event %+v", got)
				}
				if !got.OccurredAt.Equal(now) {
					t.Fatalf("expected event stamped with handler clock, got %v", got.OccurredAt)
				}
			}
		})
	}
}

func TestOrderEventHandlersProbe(t *testing.T) {
	h := NewOrderEventHandlers(&recordingNotifier{})
	rr := httptest.NewRecorder()
	h.Probe(rr, httptest.NewRequest(http.MethodHead, "/webhooks/orders", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

var _ services.NotificationService = (*recordingNotifier)(nil)
