package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/healinparadise/preorders/internal/platform/httpx"
	"github.com/healinparadise/preorders/internal/services"
)

const (
	// multipart framing and the text fields ride on top of the receipt itself.
	formOverheadBytes      = 1 << 20
	multipartMemoryBytes   = 8 << 20
	maxLookupBodySize      = 16 * 1024
	defaultIdempotencyHdr  = "Idempotency-Key"
	appCheckHeader         = "X-Firebase-AppCheck"
	receiptFormField       = "receipt"
	messageInternalError   = "An internal server error occurred."
	messageBotRejected     = "Bot verification failed. Please try again."
	messageNotAwaiting     = "This order is not awaiting payment."
	messageInvalidJSON     = "Request body must be valid JSON."
	messageUploadNotFound  = "Order not found or payment already submitted."
	messageLookupNotFound  = "Order not found. Please verify your details and try again."
	messagePaymentNotFound = "Order not found."
)

// OrderHandlers serves the public pre-order endpoints. None of them require an account: the
// tracking number, with or without the email, is the credential.
type OrderHandlers struct {
	orders            services.OrderService
	maxReceiptBytes   int64
	idempotencyHeader string
	submitLimiter     rateLimiter
	lookupLimiter     rateLimiter
	submitMiddlewares []func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// NewOrderHandlers constructs the order endpoints.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		orders:            orders,
		maxReceiptBytes:   services.DefaultMaxReceiptBytes,
		idempotencyHeader: defaultIdempotencyHdr,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SubmissionBodyLimit is the largest form body accepted alongside a receipt of maxReceiptBytes.
func SubmissionBodyLimit(maxReceiptBytes int64) int64 {
	if maxReceiptBytes <= 0 {
		maxReceiptBytes = services.DefaultMaxReceiptBytes
	}
	return maxReceiptBytes + formOverheadBytes
}

// WithMaxReceiptBytes bounds the receipt size accepted before the body is rejected.
func WithMaxReceiptBytes(limit int64) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.maxReceiptBytes = limit
		}
	}
}

// WithIdempotencyHeader names the header forwarded to the service as the idempotency key.
func WithIdempotencyHeader(header string) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if header = strings.TrimSpace(header); header != "" {
			h.idempotencyHeader = header
		}
	}
}

// WithSubmissionRateLimit caps order submissions and receipt uploads per client address.
func WithSubmissionRateLimit(perMinute int, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limiter := newFixedWindowLimiter(perMinute, time.Minute, clock); limiter != nil {
			h.submitLimiter = limiter
		}
	}
}

// WithLookupRateLimit caps track and payment lookups per client address.
func WithLookupRateLimit(perMinute int, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limiter := newFixedWindowLimiter(perMinute, time.Minute, clock); limiter != nil {
			h.lookupLimiter = limiter
		}
	}
}

// WithSubmitMiddlewares wraps only the order creation route, e.g. with idempotency replay.
func WithSubmitMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.submitMiddlewares = append(h.submitMiddlewares, mw...)
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(writes chi.Router) {
		writes.Use(limitByClientIP(h.submitLimiter))
		submit := writes
		for _, mw := range h.submitMiddlewares {
			if mw != nil {
				submit = submit.With(mw)
			}
		}
		submit.Post("/", h.submitOrder)
		writes.Post("/receipt", h.uploadReceipt)
	})
	r.Group(func(reads chi.Router) {
		reads.Use(limitByClientIP(h.lookupLimiter))
		reads.Post("/track", h.trackOrder)
		reads.Post("/payment", h.paymentDetails)
	})
}

type trackOrderRequest struct {
	TrackingNumber string `json:"trackingNumber"`
	Email          string `json:"email"`
}

type paymentLookupRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

type trackedOrderPayload struct {
	CreatedAt       string `json:"created_at"`
	TrackingNumber  string `json:"tracking_number"`
	CustomerName    string `json:"customer_name"`
	ShippingAddress string `json:"shipping_address"`
	NumberOfCopies  int    `json:"number_of_copies"`
	Status          string `json:"status"`
	JoinEvent       bool   `json:"join_event"`
	BringGuest      bool   `json:"bring_guest"`
}

type allowedActionsPayload struct {
	CanUploadReceipt           bool `json:"can_upload_receipt"`
	CanViewPaymentInstructions bool `json:"can_view_payment_instructions"`
	IsTerminal                 bool `json:"is_terminal"`
}

type trackOrderResponse struct {
	Order               trackedOrderPayload           `json:"order"`
	AllowedActions      *allowedActionsPayload        `json:"allowed_actions,omitempty"`
	PaymentInstructions *services.PaymentInstructions `json:"payment_instructions,omitempty"`
}

type paymentOrderPayload struct {
	TrackingNumber string `json:"tracking_number"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	NumberOfCopies int    `json:"number_of_copies"`
	Status         string `json:"status"`
}

type paymentLookupResponse struct {
	Order               paymentOrderPayload          `json:"order"`
	PaymentInstructions services.PaymentInstructions `json:"payment_instructions"`
}

func (h *OrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	receipt, cleanup, err := h.parseOrderForm(w, r)
	defer cleanup()
	if err != nil {
		writeOrderError(ctx, w, err, messagePaymentNotFound)
		return
	}

	token := strings.TrimSpace(r.PostFormValue("recaptchaToken"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(appCheckHeader))
	}

	result, err := h.orders.Submit(ctx, services.SubmitOrderCommand{
		FullName:        r.PostFormValue("fullName"),
		Email:           r.PostFormValue("email"),
		Phone:           r.PostFormValue("phone"),
		ShippingAddress: r.PostFormValue("shippingAddress"),
		Copies:          r.PostFormValue("copies"),
		JoinEvent:       formBool(r.PostFormValue("joinEvent")),
		BringGuest:      formBool(r.PostFormValue("bringGuest")),
		Receipt:         receipt,
		BotToken:        token,
		RemoteIP:        clientIP(r),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(h.idempotencyHeader)),
	})
	if err != nil {
		writeOrderError(ctx, w, err, messagePaymentNotFound)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"success":        true,
		"trackingNumber": result.TrackingNumber,
		"status":         string(result.Status),
	})
}

func (h *OrderHandlers) uploadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	receipt, cleanup, err := h.parseOrderForm(w, r)
	defer cleanup()
	if err != nil {
		writeOrderError(ctx, w, err, messageUploadNotFound)
		return
	}

	_, err = h.orders.UploadReceipt(ctx, services.UploadReceiptCommand{
		TrackingNumber: r.PostFormValue("trackingNumber"),
		Email:          r.PostFormValue("email"),
		Receipt:        receipt,
	})
	if err != nil {
		writeOrderError(ctx, w, err, messageUploadNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *OrderHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req trackOrderRequest
	if err := httpx.DecodeJSON(r, maxLookupBodySize, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", messageInvalidJSON, http.StatusBadRequest))
		return
	}

	view, err := h.orders.Lookup(ctx, services.LookupOrderCommand{
		TrackingNumber: req.TrackingNumber,
		Email:          req.Email,
	})
	if err != nil {
		writeOrderError(ctx, w, err, messageLookupNotFound)
		return
	}

	order := view.Order
	resp := trackOrderResponse{
		Order: trackedOrderPayload{
			CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
			TrackingNumber:  order.TrackingNumber,
			CustomerName:    order.CustomerName,
			ShippingAddress: order.ShippingAddress,
			NumberOfCopies:  order.NumberOfCopies,
			Status:          string(order.Status),
			JoinEvent:       order.JoinEvent,
			BringGuest:      order.BringGuest,
		},
	}
	if view.Actions.CanViewPaymentInstructions && view.PaymentInstructions != nil {
		resp.AllowedActions = &allowedActionsPayload{
			CanUploadReceipt:           view.Actions.CanUploadReceipt,
			CanViewPaymentInstructions: view.Actions.CanViewPaymentInstructions,
			IsTerminal:                 view.Actions.IsTerminal,
		}
		resp.PaymentInstructions = view.PaymentInstructions
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) paymentDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req paymentLookupRequest
	if err := httpx.DecodeJSON(r, maxLookupBodySize, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", messageInvalidJSON, http.StatusBadRequest))
		return
	}

	view, err := h.orders.LookupForPayment(ctx, req.TrackingNumber)
	if err != nil {
		writeOrderError(ctx, w, err, messagePaymentNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentLookupResponse{
		Order: paymentOrderPayload{
			TrackingNumber: view.TrackingNumber,
			CustomerName:   view.CustomerName,
			CustomerEmail:  view.MaskedEmail,
			NumberOfCopies: view.NumberOfCopies,
			Status:         string(view.Status),
		},
		PaymentInstructions: view.PaymentInstructions,
	})
}

// parseOrderForm reads a multipart or urlencoded body and returns the receipt part, if any.
// The returned cleanup must always be called.
func (h *OrderHandlers) parseOrderForm(w http.ResponseWriter, r *http.Request) (*services.ReceiptFile, func(), error) {
	noop := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, SubmissionBodyLimit(h.maxReceiptBytes))

	mediaType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if !strings.HasPrefix(mediaType, "multipart/form-data") {
		if err := r.ParseForm(); err != nil {
			return nil, noop, formError(err)
		}
		return nil, noop, nil
	}

	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		return nil, noop, formError(err)
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile(receiptFormField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, cleanup, nil
	}
	if err != nil {
		return nil, cleanup, formError(err)
	}
	receipt := &services.ReceiptFile{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	return receipt, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return &services.InputError{Field: receiptFormField, Message: services.MessageReceiptTooLarge}
	}
	return &services.InputError{Message: services.MessageMissingFields}
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "on", "1", "yes":
		return true
	default:
		return false
	}
}

// writeOrderError maps service errors to responses. notFound is the route-specific message
// shown when no order matched.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error, notFound string) {
	if err == nil {
		return
	}
	var inputErr *services.InputError
	var statusErr *services.StatusError
	switch {
	case errors.As(err, &inputErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", inputErr.Message, http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderBotRejected):
		httpx.WriteError(ctx, w, httpx.NewError("bot_verification_failed", messageBotRejected, http.StatusForbidden))
	case errors.As(err, &statusErr):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_awaiting_payment", messageNotAwaiting, http.StatusForbidden).
			WithDetails(map[string]any{"order_status": string(statusErr.Status)}))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", notFound, http.StatusNotFound))
	case errors.Is(err, services.ErrOrderStorage):
		httpx.WriteError(ctx, w, httpx.NewError("receipt_storage_failed", messageInternalError, http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", messageInternalError, http.StatusInternalServerError))
	}
}
