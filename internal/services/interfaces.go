package services

import (
	"context"
	"io"
	"time"

	domain "github.com/healinparadise/preorders/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	OrderActions        = domain.OrderActions
	OrderEvent          = domain.OrderEvent
	PaymentInstructions = domain.PaymentInstructions
	SystemHealthReport  = domain.SystemHealthReport
)

// OrderService implements the customer-facing order flows.
type OrderService interface {
	Submit(ctx context.Context, cmd SubmitOrderCommand) (SubmitOrderResult, error)
	UploadReceipt(ctx context.Context, cmd UploadReceiptCommand) (Order, error)
	Lookup(ctx context.Context, cmd LookupOrderCommand) (OrderView, error)
	LookupForPayment(ctx context.Context, trackingNumber string) (PaymentView, error)
}

// NotificationService turns order lifecycle events into customer and admin emails.
type NotificationService interface {
	OrderEventPublisher
	// HandleOrderEvent sends the emails an event calls for. handled is false when the event
	// does not correspond to any notification.
	HandleOrderEvent(ctx context.Context, event OrderEvent) (handled bool, err error)
}

// SystemService exposes health information for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	Build() BuildInfo
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// ReceiptStorage writes payment receipts and returns a URL that reviewers can open.
type ReceiptStorage interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// BotVerifier screens a client token. Implementations return botcheck.ErrRejected for tokens
// judged automated and any other error when the check could not run.
type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// ReceiptFile is an uploaded receipt as received from the client.
type ReceiptFile struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitOrderCommand carries the raw pre-order form.
type SubmitOrderCommand struct {
	FullName        string
	Email           string
	Phone           string
	ShippingAddress string
	// Copies is the raw form value and must parse as an integer without coercion.
	Copies         string
	JoinEvent      bool
	BringGuest     bool
	Receipt        *ReceiptFile
	BotToken       string
	RemoteIP       string
	IdempotencyKey string
}

// SubmitOrderResult reports the stored order.
type SubmitOrderResult struct {
	TrackingNumber string
	Status         OrderStatus
}

// UploadReceiptCommand attaches a receipt to an order awaiting payment.
type UploadReceiptCommand struct {
	TrackingNumber string
	Email          string
	Receipt        *ReceiptFile
}

// LookupOrderCommand requires both keys.
type LookupOrderCommand struct {
	TrackingNumber string
	Email          string
}

// OrderView is what a customer sees after proving ownership with tracking number and email.
type OrderView struct {
	Order               Order
	Actions             OrderActions
	PaymentInstructions *PaymentInstructions
}

// PaymentView is the reduced order shown on the payment page, which only needs the tracking
// number. Contact details are masked.
type PaymentView struct {
	TrackingNumber      string
	CustomerName        string
	MaskedEmail         string
	NumberOfCopies      int
	Status              OrderStatus
	PaymentInstructions PaymentInstructions
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
