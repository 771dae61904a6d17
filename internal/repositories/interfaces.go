package repositories

import (
	"context"
	"fmt"
	"time"

	domain "github.com/healinparadise/preorders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError allows callers to classify store failures without importing driver packages.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists pre-orders keyed by tracking number.
type OrderRepository interface {
	// Insert stores a new order. A duplicate tracking number yields a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	// FindByTrackingAndEmail returns the order only when both keys match.
	FindByTrackingAndEmail(ctx context.Context, trackingNumber, email string) (domain.Order, error)
	// FindByTracking returns the order for the tracking number alone. Callers must not expose
	// contact details from the result without a second factor.
	FindByTracking(ctx context.Context, trackingNumber string) (domain.Order, error)
	// MarkReceiptSubmitted atomically moves a pending_payment order matching both keys to pending
	// and records the receipt URL. Any other current state yields a not-found error.
	MarkReceiptSubmitted(ctx context.Context, cmd ReceiptSubmission) (domain.Order, error)
	// UpdateStatus applies an administrative transition guarded by the expected current status.
	UpdateStatus(ctx context.Context, cmd StatusUpdate) (domain.Order, error)
	// List returns orders newest first.
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// ReceiptSubmission describes the pending_payment to pending transition.
type ReceiptSubmission struct {
	TrackingNumber string
	Email          string
	ReceiptFileURL string
	SubmittedAt    time.Time
}

// StatusUpdate describes an administrative status change.
type StatusUpdate struct {
	TrackingNumber string
	Expected       domain.OrderStatus
	Next           domain.OrderStatus
	UpdatedAt      time.Time
}

// Check decides whether the update may be applied to an order currently in status current.
// Backends call it inside their read-modify-write so the answer holds for the write.
func (u StatusUpdate) Check(op string, current domain.OrderStatus) error {
	if current != u.Expected {
		return NewOrderError(op, OrderErrorConflict, "status changed concurrently", nil)
	}
	if !domain.CanAdminTransition(current, u.Next) {
		return NewOrderError(op, OrderErrorInvalidInput, fmt.Sprintf("status change %s -> %s not allowed", current, u.Next), nil)
	}
	return nil
}

// OrderListFilter narrows List results.
type OrderListFilter struct {
	Status    *domain.OrderStatus
	PageSize  int
	PageToken string
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
