package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/botcheck"
	"github.com/healinparadise/preorders/internal/platform/observability"
	"github.com/healinparadise/preorders/internal/platform/storage"
	"github.com/healinparadise/preorders/internal/platform/textutil"
	"github.com/healinparadise/preorders/internal/repositories"
)

const (
	defaultTrackingAttempts = 5
	defaultEventTimeout     = 10 * time.Second
)

// SubmissionConfig holds the submission rules that differ between deployments.
type SubmissionConfig struct {
	// RequireReceiptInline rejects submissions without a receipt.
	RequireReceiptInline bool
	// RequireBotVerification checks the client token before anything is stored.
	RequireBotVerification bool
	MaxReceiptBytes        int64
	TrackingAttempts       int
	// ReceiptPrefix is prepended to receipt object keys.
	ReceiptPrefix string
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Receipts     ReceiptStorage
	Bot          BotVerifier
	Events       OrderEventPublisher
	Tracking     *domain.TrackingNumberGenerator
	Sanitizer    *textutil.Sanitizer
	Metrics      *observability.OrderMetrics
	Config       SubmissionConfig
	Payment      PaymentInstructions
	Clock        func() time.Time
	IDGenerator  func() string
	EventTimeout time.Duration
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders       repositories.OrderRepository
	receipts     ReceiptStorage
	bot          BotVerifier
	events       OrderEventPublisher
	tracking     *domain.TrackingNumberGenerator
	sanitizer    *textutil.Sanitizer
	metrics      *observability.OrderMetrics
	cfg          SubmissionConfig
	payment      PaymentInstructions
	clock        func() time.Time
	newID        func() string
	eventTimeout time.Duration
	logger       func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Receipts == nil {
		return nil, errors.New("order service: receipt storage is required")
	}
	if deps.Config.RequireBotVerification && deps.Bot == nil {
		return nil, errors.New("order service: bot verifier is required when bot verification is enabled")
	}

	cfg := deps.Config
	if cfg.MaxReceiptBytes <= 0 {
		cfg.MaxReceiptBytes = DefaultMaxReceiptBytes
	}
	if cfg.TrackingAttempts <= 0 {
		cfg.TrackingAttempts = defaultTrackingAttempts
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tracking := deps.Tracking
	if tracking == nil {
		tracking = domain.NewTrackingNumberGenerator(domain.DefaultTrackingPrefix, domain.WithTrackingClock(clock))
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = textutil.NewSanitizer()
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	eventTimeout := deps.EventTimeout
	if eventTimeout <= 0 {
		eventTimeout = defaultEventTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		receipts:  deps.Receipts,
		bot:       deps.Bot,
		events:    deps.Events,
		tracking:  tracking,
		sanitizer: sanitizer,
		metrics:   deps.Metrics,
		cfg:       cfg,
		payment:   deps.Payment,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		eventTimeout: eventTimeout,
		logger:       logger,
	}, nil
}

func (s *orderService) Submit(ctx context.Context, cmd SubmitOrderCommand) (SubmitOrderResult, error) {
	draft, err := validateSubmission(cmd, s.sanitizer, s.cfg.MaxReceiptBytes, s.cfg.RequireReceiptInline)
	if err != nil {
		return SubmitOrderResult{}, err
	}
	if s.cfg.RequireBotVerification {
		if err := s.verifyBot(ctx, cmd.BotToken, cmd.RemoteIP); err != nil {
			return SubmitOrderResult{}, err
		}
	}

	now := s.now()
	order := Order{
		CustomerName:    draft.name,
		CustomerEmail:   draft.email,
		CustomerPhone:   draft.phone,
		ShippingAddress: draft.address,
		NumberOfCopies:  draft.copies,
		JoinEvent:       draft.join,
		BringGuest:      draft.guest,
		Status:          domain.InitialStatus(draft.hasFile),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for attempt := 1; ; attempt++ {
		trackingNumber, err := s.freshTrackingNumber(ctx)
		if err != nil {
			return SubmitOrderResult{}, err
		}
		order.TrackingNumber = trackingNumber

		var receiptKey string
		if draft.hasFile {
			key, url, err := s.storeReceipt(ctx, trackingNumber, cmd.Receipt, draft.fileType)
			if err != nil {
				return SubmitOrderResult{}, err
			}
			receiptKey = key
			order.ReceiptFileURL = &url
		}

		err = s.orders.Insert(ctx, order)
		if err == nil {
			break
		}
		if receiptKey != "" {
			s.discardReceipt(ctx, receiptKey)
		}
		// The receipt body has been consumed, so only receipt-less submissions can retry.
		if repositories.IsConflict(err) && !draft.hasFile && attempt < s.cfg.TrackingAttempts {
			s.logger(ctx, "order.tracking_collision", map[string]any{"trackingNumber": trackingNumber, "attempt": attempt})
			continue
		}
		s.logger(ctx, "order.insert_failed", map[string]any{"trackingNumber": trackingNumber, "error": err})
		return SubmitOrderResult{}, fmt.Errorf("%w: insert order: %v", ErrOrderUnavailable, err)
	}

	s.metrics.OrderSubmitted(ctx, string(order.Status))
	s.logger(ctx, "order.submitted", map[string]any{
		"trackingNumber": order.TrackingNumber,
		"status":         string(order.Status),
		"copies":         order.NumberOfCopies,
		"idempotencyKey": strings.TrimSpace(cmd.IdempotencyKey) != "",
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           domain.OrderEventCreated,
		TrackingNumber: order.TrackingNumber,
		CurrentStatus:  order.Status,
		OccurredAt:     now,
		Order:          order,
	})

	return SubmitOrderResult{TrackingNumber: order.TrackingNumber, Status: order.Status}, nil
}

func (s *orderService) UploadReceipt(ctx context.Context, cmd UploadReceiptCommand) (Order, error) {
	trackingNumber := domain.NormalizeTrackingNumber(cmd.TrackingNumber)
	email := domain.NormalizeEmail(cmd.Email)
	if trackingNumber == "" || email == "" || cmd.Receipt == nil {
		return Order{}, invalidInput("", MessageMissingFields)
	}
	fileType, err := validateReceipt(cmd.Receipt, s.cfg.MaxReceiptBytes)
	if err != nil {
		return Order{}, err
	}

	current, err := s.orders.FindByTrackingAndEmail(ctx, trackingNumber, email)
	if err != nil {
		return Order{}, s.mapRepositoryError(ctx, "order.receipt_lookup_failed", trackingNumber, err)
	}
	if !domain.AllowedActions(current.Status).CanUploadReceipt {
		s.logger(ctx, "order.receipt_rejected", map[string]any{
			"trackingNumber": trackingNumber,
			"status":         string(current.Status),
			"precondition":   domain.CheckPrecondition(current.Status, domain.OrderStatusPendingPayment).String(),
		})
		return Order{}, fmt.Errorf("%w: receipt not accepted in status %s", ErrOrderNotFound, current.Status)
	}

	_, url, err := s.storeReceipt(ctx, trackingNumber, cmd.Receipt, fileType)
	if err != nil {
		return Order{}, err
	}

	updated, err := s.orders.MarkReceiptSubmitted(ctx, repositories.ReceiptSubmission{
		TrackingNumber: trackingNumber,
		Email:          email,
		ReceiptFileURL: url,
		SubmittedAt:    s.now(),
	})
	if err != nil {
		// A not-found here means a concurrent upload won the transition.
		return Order{}, s.mapRepositoryError(ctx, "order.receipt_update_failed", trackingNumber, err)
	}

	s.metrics.ReceiptUploaded(ctx)
	s.logger(ctx, "order.receipt_submitted", map[string]any{"trackingNumber": trackingNumber})
	s.publishEvent(ctx, OrderEvent{
		Type:           domain.OrderEventReceiptSubmitted,
		TrackingNumber: trackingNumber,
		PreviousStatus: current.Status,
		CurrentStatus:  updated.Status,
		OccurredAt:     updated.UpdatedAt,
		Order:          updated,
	})
	return updated, nil
}

func (s *orderService) Lookup(ctx context.Context, cmd LookupOrderCommand) (OrderView, error) {
	trackingNumber := domain.NormalizeTrackingNumber(cmd.TrackingNumber)
	email := domain.NormalizeEmail(cmd.Email)
	if trackingNumber == "" || email == "" {
		return OrderView{}, invalidInput("", MessageLookupKeysRequired)
	}

	order, err := s.orders.FindByTrackingAndEmail(ctx, trackingNumber, email)
	if err != nil {
		return OrderView{}, s.mapRepositoryError(ctx, "order.lookup_failed", trackingNumber, err)
	}

	view := OrderView{Order: order, Actions: domain.AllowedActions(order.Status)}
	if view.Actions.CanViewPaymentInstructions && !s.payment.IsZero() {
		payment := s.payment
		view.PaymentInstructions = &payment
	}
	return view, nil
}

func (s *orderService) LookupForPayment(ctx context.Context, trackingNumber string) (PaymentView, error) {
	trackingNumber = domain.NormalizeTrackingNumber(trackingNumber)
	if trackingNumber == "" {
		return PaymentView{}, invalidInput("trackingNumber", MessageTrackingRequired)
	}

	order, err := s.orders.FindByTracking(ctx, trackingNumber)
	if err != nil {
		return PaymentView{}, s.mapRepositoryError(ctx, "order.payment_lookup_failed", trackingNumber, err)
	}
	if !domain.AllowedActions(order.Status).CanUploadReceipt {
		return PaymentView{}, &StatusError{Status: order.Status}
	}

	return PaymentView{
		TrackingNumber:      order.TrackingNumber,
		CustomerName:        order.CustomerName,
		MaskedEmail:         observability.MaskEmail(order.CustomerEmail),
		NumberOfCopies:      order.NumberOfCopies,
		Status:              order.Status,
		PaymentInstructions: s.payment,
	}, nil
}

func (s *orderService) verifyBot(ctx context.Context, token, remoteIP string) error {
	err := s.bot.Verify(ctx, token, remoteIP)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, botcheck.ErrRejected):
		s.logger(ctx, "order.bot_rejected", map[string]any{"reason": err.Error()})
		return fmt.Errorf("%w: %v", ErrOrderBotRejected, err)
	default:
		s.logger(ctx, "order.bot_check_failed", map[string]any{"error": err})
		return fmt.Errorf("%w: bot check: %v", ErrOrderUnavailable, err)
	}
}

// freshTrackingNumber returns a generated number not yet present in the store.
func (s *orderService) freshTrackingNumber(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= s.cfg.TrackingAttempts; attempt++ {
		candidate, err := s.tracking.Next()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
		_, err = s.orders.FindByTracking(ctx, candidate)
		switch {
		case repositories.IsNotFound(err):
			return candidate, nil
		case err != nil:
			s.logger(ctx, "order.tracking_probe_failed", map[string]any{"error": err})
			return "", fmt.Errorf("%w: probe tracking number: %v", ErrOrderUnavailable, err)
		}
		s.logger(ctx, "order.tracking_collision", map[string]any{"trackingNumber": candidate, "attempt": attempt})
	}
	return "", fmt.Errorf("%w: no free tracking number after %d attempts", ErrOrderUnavailable, s.cfg.TrackingAttempts)
}

func (s *orderService) storeReceipt(ctx context.Context, trackingNumber string, file *ReceiptFile, contentType string) (string, string, error) {
	key, err := storage.ReceiptObjectKey(s.cfg.ReceiptPrefix, trackingNumber, file.FileName)
	if err != nil {
		return "", "", invalidInput("receipt", MessageMissingFields)
	}
	url, err := s.receipts.Put(ctx, key, contentType, file.Body)
	if err != nil {
		s.logger(ctx, "order.receipt_store_failed", map[string]any{"trackingNumber": trackingNumber, "key": key, "error": err})
		return "", "", fmt.Errorf("%w: %v", ErrOrderStorage, err)
	}
	return key, url, nil
}

func (s *orderService) discardReceipt(ctx context.Context, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.eventTimeout)
	defer cancel()
	if err := s.receipts.Delete(cleanupCtx, key); err != nil {
		s.logger(ctx, "order.receipt_cleanup_failed", map[string]any{"key": key, "error": err})
	}
}

func (s *orderService) mapRepositoryError(ctx context.Context, event, trackingNumber string, err error) error {
	if repositories.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, trackingNumber)
	}
	s.logger(ctx, event, map[string]any{"trackingNumber": trackingNumber, "error": err})
	return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
}

// publishEvent hands the event to the publisher without failing the caller. The publish runs on
// a context detached from the request so a disconnecting client does not cancel it.
func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = s.newID()
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.eventTimeout)
	defer cancel()
	if err := s.events.PublishOrderEvent(pubCtx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"eventId":        event.ID,
			"eventType":      string(event.Type),
			"trackingNumber": event.TrackingNumber,
			"error":          err,
		})
	}
}

func (s *orderService) now() time.Time {
	return s.clock()
}
