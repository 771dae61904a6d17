package domain

import (
	"time"
)

// CursorPage represents a paginated response with an optional next page token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Order is a single book pre-order, addressed by its tracking number.
type Order struct {
	TrackingNumber  string
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ShippingAddress string
	NumberOfCopies  int
	JoinEvent       bool
	BringGuest      bool
	ReceiptFileURL  *string
	Status          OrderStatus
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasReceipt reports whether a payment receipt has been attached.
func (o Order) HasReceipt() bool {
	return o.ReceiptFileURL != nil && *o.ReceiptFileURL != ""
}

// PaymentInstructions describes where customers send their bank transfer.
type PaymentInstructions struct {
	BankName          string `yaml:"bank_name" json:"bank_name"`
	AccountHolderName string `yaml:"account_holder_name" json:"account_holder_name"`
	USDAccountNumber  string `yaml:"usd_account_number" json:"usd_account_number,omitempty"`
	MVRAccountNumber  string `yaml:"mvr_account_number" json:"mvr_account_number,omitempty"`
	PriceDetails      string `yaml:"price_details" json:"price_details,omitempty"`
}

// IsZero reports whether no instructions were configured.
func (p PaymentInstructions) IsZero() bool {
	return p.BankName == "" && p.AccountHolderName == "" && p.USDAccountNumber == "" && p.MVRAccountNumber == ""
}

// OrderEventType names a lifecycle event emitted after a successful write.
type OrderEventType string

const (
	// OrderEventCreated is emitted when a new order is stored.
	OrderEventCreated OrderEventType = "order.created"
	// OrderEventReceiptSubmitted is emitted on the pending_payment to pending edge.
	OrderEventReceiptSubmitted OrderEventType = "order.receipt_submitted"
)

// OrderEvent captures a lifecycle transition together with the order snapshot after it.
type OrderEvent struct {
	ID             string
	Type           OrderEventType
	TrackingNumber string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	OccurredAt     time.Time
	Order          Order
}

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)
