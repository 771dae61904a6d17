package handlers

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/httpx"
	"github.com/healinparadise/preorders/internal/platform/jobs"
	"github.com/healinparadise/preorders/internal/platform/requestctx"
	"github.com/healinparadise/preorders/internal/services"
)

const maxEventBodySize = 256 * 1024

// OrderEventHandlers receives order events pushed by Pub/Sub and row-change webhooks from the
// database, and hands them to the notification dispatcher.
type OrderEventHandlers struct {
	notifications services.NotificationService
	clock         func() time.Time
}

// OrderEventHandlersOption customises OrderEventHandlers.
type OrderEventHandlersOption func(*OrderEventHandlers)

// WithOrderEventClock overrides the clock used to stamp webhook-derived events.
func WithOrderEventClock(clock func() time.Time) OrderEventHandlersOption {
	return func(h *OrderEventHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewOrderEventHandlers constructs the event intake handlers.
func NewOrderEventHandlers(notifications services.NotificationService, opts ...OrderEventHandlersOption) *OrderEventHandlers {
	h := &OrderEventHandlers{notifications: notifications, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// InternalRoutes registers the Pub/Sub push endpoint under /internal.
func (h *OrderEventHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/order-events", h.handlePush)
}

// WebhookRoutes registers the signed table-change webhook under /webhooks.
func (h *OrderEventHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders", h.handleTableChange)
}

// Probe answers the HEAD reachability check some webhook senders issue before delivering.
func (h *OrderEventHandlers) Probe(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePush acknowledges with 2xx once the event has been handled. Undecodable payloads are
// acknowledged too, since redelivery cannot fix them.
func (h *OrderEventHandlers) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notifications_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	var envelope pushEnvelope
	if err := httpx.DecodeJSON(r, maxEventBodySize, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "push envelope must be valid JSON", http.StatusBadRequest))
		return
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope.Message.Data))
	if err != nil || len(data) == 0 {
		logger.Warn("order event push has no decodable data",
			zap.String("messageId", envelope.Message.MessageID),
			zap.String("subscription", envelope.Subscription))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	event, err := jobs.DecodeOrderEvent(data)
	if err != nil {
		logger.Warn("order event push dropped", zap.String("messageId", envelope.Message.MessageID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	handled, err := h.notifications.HandleOrderEvent(ctx, event)
	if err != nil {
		// Non-2xx makes Pub/Sub redeliver.
		logger.Error("order event handling failed",
			zap.String("messageId", envelope.Message.MessageID),
			zap.String("eventId", event.ID),
			zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("notification_failed", "failed to process order event", http.StatusInternalServerError))
		return
	}
	logger.Debug("order event processed",
		zap.String("messageId", envelope.Message.MessageID),
		zap.String("eventId", event.ID),
		zap.Bool("handled", handled))
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderEventHandlers) handleTableChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notifications_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize))
	if err != nil || len(body) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "Invalid payload.", http.StatusBadRequest))
		return
	}
	event, ok, err := jobs.DecodeTableChange(body, h.clock().UTC())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "Invalid payload.", http.StatusBadRequest))
		return
	}
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Irrelevant event type."})
		return
	}

	if _, err := h.notifications.HandleOrderEvent(ctx, event); err != nil {
		requestctx.Logger(ctx).Error("table change notification failed",
			zap.String("trackingNumber", event.TrackingNumber),
			zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("notification_failed", "Failed to process emails.", http.StatusInternalServerError))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Emails processed."})
}
