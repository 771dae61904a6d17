package memory

import (
	"context"
	"sort"
	"sync"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/pagination"
	"github.com/healinparadise/preorders/internal/repositories"
)

// OrderRepository keeps orders in process memory. It backs tests and local development.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty memory-backed order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// Insert implements repositories.OrderRepository.
func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.TrackingNumber]; exists {
		return repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, "tracking number already exists", nil)
	}
	if order.Version == 0 {
		order.Version = 1
	}
	r.orders[order.TrackingNumber] = cloneOrder(order)
	return nil
}

// FindByTrackingAndEmail implements repositories.OrderRepository.
func (r *OrderRepository) FindByTrackingAndEmail(_ context.Context, trackingNumber, email string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[trackingNumber]
	if !ok || order.CustomerEmail != email {
		return domain.Order{}, notFound("orders.find")
	}
	return cloneOrder(order), nil
}

// FindByTracking implements repositories.OrderRepository.
func (r *OrderRepository) FindByTracking(_ context.Context, trackingNumber string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[trackingNumber]
	if !ok {
		return domain.Order{}, notFound("orders.find_by_tracking")
	}
	return cloneOrder(order), nil
}

// MarkReceiptSubmitted implements repositories.OrderRepository.
func (r *OrderRepository) MarkReceiptSubmitted(_ context.Context, cmd repositories.ReceiptSubmission) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[cmd.TrackingNumber]
	if !ok || order.CustomerEmail != cmd.Email || order.Status != domain.OrderStatusPendingPayment {
		return domain.Order{}, notFound("orders.mark_receipt")
	}
	url := cmd.ReceiptFileURL
	order.ReceiptFileURL = &url
	order.Status = domain.OrderStatusPending
	order.UpdatedAt = cmd.SubmittedAt
	order.Version++
	r.orders[cmd.TrackingNumber] = order
	return cloneOrder(order), nil
}

// UpdateStatus implements repositories.OrderRepository.
func (r *OrderRepository) UpdateStatus(_ context.Context, cmd repositories.StatusUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[cmd.TrackingNumber]
	if !ok {
		return domain.Order{}, notFound("orders.update_status")
	}
	if err := cmd.Check("orders.update_status", order.Status); err != nil {
		return domain.Order{}, err
	}
	order.Status = cmd.Next
	order.UpdatedAt = cmd.UpdatedAt
	order.Version++
	r.orders[cmd.TrackingNumber] = order
	return cloneOrder(order), nil
}

// List implements repositories.OrderRepository.
func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewOrderError("orders.list", repositories.OrderErrorInvalidInput, "invalid page token", err)
	}

	r.mu.Lock()
	items := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		if !cursor.Precedes(order.CreatedAt, order.TrackingNumber) {
			continue
		}
		items = append(items, cloneOrder(order))
	}
	r.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].TrackingNumber > items[j].TrackingNumber
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	size := pagination.NormalizePageSize(filter.PageSize)
	page := domain.CursorPage[domain.Order]{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		last := page.Items[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, TrackingNumber: last.TrackingNumber})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Ping implements repositories.OrderRepository.
func (r *OrderRepository) Ping(context.Context) error {
	return nil
}

func notFound(op string) error {
	return repositories.NewOrderError(op, repositories.OrderErrorNotFound, "order not found", nil)
}

func cloneOrder(order domain.Order) domain.Order {
	if order.ReceiptFileURL != nil {
		url := *order.ReceiptFileURL
		order.ReceiptFileURL = &url
	}
	return order
}
