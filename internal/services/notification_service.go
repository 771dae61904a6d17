package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/mail"
	"github.com/healinparadise/preorders/internal/platform/observability"
)

const defaultNotificationTimeout = 15 * time.Second

// Mailer delivers a rendered message and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) (string, error)
}

// EmailRenderer produces an HTML body for a named template.
type EmailRenderer interface {
	Render(name string, data mail.OrderEmailData) (string, error)
}

// NotificationServiceDeps bundles collaborators for the notification dispatcher.
type NotificationServiceDeps struct {
	Mailer          Mailer
	Renderer        EmailRenderer
	Metrics         *observability.OrderMetrics
	From            string
	AdminFrom       string
	AdminRecipients []string
	// OrderURL builds the payment page link for a tracking number.
	OrderURL func(trackingNumber string) string
	Timeout  time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	mailer    Mailer
	renderer  EmailRenderer
	metrics   *observability.OrderMetrics
	from      string
	adminFrom string
	admins    []string
	orderURL  func(string) string
	timeout   time.Duration
	logger    func(context.Context, string, map[string]any)
}

var _ NotificationService = (*notificationService)(nil)

type outgoingEmail struct {
	template string
	to       []string
	from     string
	subject  string
	data     mail.OrderEmailData
}

// NewNotificationService builds the dispatcher. Admin emails are skipped when no recipients are
// configured.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Mailer == nil {
		return nil, errors.New("notification service: mailer is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("notification service: renderer is required")
	}
	if strings.TrimSpace(deps.From) == "" {
		return nil, errors.New("notification service: from address is required")
	}
	adminFrom := deps.AdminFrom
	if strings.TrimSpace(adminFrom) == "" {
		adminFrom = deps.From
	}
	var admins []string
	for _, addr := range deps.AdminRecipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			admins = append(admins, addr)
		}
	}
	orderURL := deps.OrderURL
	if orderURL == nil {
		orderURL = func(string) string { return "" }
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultNotificationTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationService{
		mailer:    deps.Mailer,
		renderer:  deps.Renderer,
		metrics:   deps.Metrics,
		from:      deps.From,
		adminFrom: adminFrom,
		admins:    admins,
		orderURL:  orderURL,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// PublishOrderEvent dispatches in-process. Failures are logged and counted but never returned,
// so a failed email cannot fail the order write that triggered it.
func (s *notificationService) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	_, _ = s.HandleOrderEvent(ctx, event)
	return nil
}

func (s *notificationService) HandleOrderEvent(ctx context.Context, event OrderEvent) (bool, error) {
	emails := s.plan(event)
	if len(emails) == 0 {
		s.logger(ctx, "notification.ignored", map[string]any{
			"eventType":      string(event.Type),
			"trackingNumber": event.TrackingNumber,
			"previousStatus": string(event.PreviousStatus),
			"currentStatus":  string(event.CurrentStatus),
		})
		return false, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Every email is attempted even when another fails, so the group context is not used.
	var g errgroup.Group
	for _, email := range emails {
		g.Go(func() error {
			return s.send(sendCtx, event, email)
		})
	}
	if err := g.Wait(); err != nil {
		return true, err
	}
	return true, nil
}

// plan decides which emails an event calls for.
func (s *notificationService) plan(event OrderEvent) []outgoingEmail {
	order := event.Order
	if order.TrackingNumber == "" {
		order.TrackingNumber = event.TrackingNumber
	}
	if strings.TrimSpace(order.CustomerEmail) == "" {
		return nil
	}
	data := s.emailData(order)

	customerReceived := outgoingEmail{
		template: mail.TemplateReceiptReceived,
		to:       []string{order.CustomerEmail},
		from:     s.from,
		subject:  fmt.Sprintf("Submission Received for 'Heal in Paradise' Pre-Order #%s", order.TrackingNumber),
		data:     data,
	}
	adminReceipt := func(subject string) []outgoingEmail {
		if len(s.admins) == 0 {
			return nil
		}
		return []outgoingEmail{{
			template: mail.TemplateAdminReceipt,
			to:       s.admins,
			from:     s.adminFrom,
			subject:  subject,
			data:     data,
		}}
	}

	switch {
	case event.Type == domain.OrderEventCreated && event.CurrentStatus == domain.OrderStatusPendingPayment:
		return []outgoingEmail{{
			template: mail.TemplatePaymentRequired,
			to:       []string{order.CustomerEmail},
			from:     s.from,
			subject:  fmt.Sprintf("Action Required: Complete Your 'Heal in Paradise' Pre-Order #%s", order.TrackingNumber),
			data:     data,
		}}
	case event.Type == domain.OrderEventCreated && event.CurrentStatus == domain.OrderStatusPending:
		return append([]outgoingEmail{customerReceived},
			adminReceipt(fmt.Sprintf("New Pre-Order Received: %s (#%s)", order.CustomerName, order.TrackingNumber))...)
	case event.Type == domain.OrderEventReceiptSubmitted &&
		event.PreviousStatus == domain.OrderStatusPendingPayment &&
		event.CurrentStatus == domain.OrderStatusPending:
		return append([]outgoingEmail{customerReceived},
			adminReceipt(fmt.Sprintf("Receipt Uploaded: %s (#%s)", order.CustomerName, order.TrackingNumber))...)
	default:
		return nil
	}
}

func (s *notificationService) emailData(order Order) mail.OrderEmailData {
	data := mail.OrderEmailData{
		CustomerName:    order.CustomerName,
		TrackingNumber:  order.TrackingNumber,
		Copies:          order.NumberOfCopies,
		ShippingAddress: order.ShippingAddress,
		JoinEvent:       order.JoinEvent,
		BringGuest:      order.BringGuest,
		Email:           order.CustomerEmail,
		Phone:           order.CustomerPhone,
		OrderURL:        s.orderURL(order.TrackingNumber),
	}
	if order.ReceiptFileURL != nil {
		data.ReceiptURL = *order.ReceiptFileURL
	}
	return data
}

func (s *notificationService) send(ctx context.Context, event OrderEvent, email outgoingEmail) error {
	fields := map[string]any{
		"template":       email.template,
		"trackingNumber": email.data.TrackingNumber,
		"eventId":        event.ID,
	}
	html, err := s.renderer.Render(email.template, email.data)
	if err != nil {
		s.metrics.NotificationFailed(ctx, email.template)
		fields["error"] = err
		s.logger(ctx, "notification.render_failed", fields)
		return fmt.Errorf("notification: render %s: %w", email.template, err)
	}
	id, err := s.mailer.Send(ctx, mail.Message{
		From:    email.from,
		To:      email.to,
		Subject: email.subject,
		HTML:    html,
		Tags:    map[string]string{"template": email.template},
	})
	if err != nil {
		s.metrics.NotificationFailed(ctx, email.template)
		fields["error"] = err
		s.logger(ctx, "notification.send_failed", fields)
		return fmt.Errorf("notification: send %s: %w", email.template, err)
	}
	fields["messageId"] = id
	s.logger(ctx, "notification.sent", fields)
	return nil
}
