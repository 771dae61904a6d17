package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/healinparadise/preorders/internal/domain"
	pfirestore "github.com/healinparadise/preorders/internal/platform/firestore"
	"github.com/healinparadise/preorders/internal/platform/pagination"
	"github.com/healinparadise/preorders/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository stores orders in Firestore keyed by tracking number.
type OrderRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{provider: provider}, nil
}

type orderDocument struct {
	TrackingNumber  string    `firestore:"trackingNumber"`
	CustomerName    string    `firestore:"customerName"`
	CustomerEmail   string    `firestore:"customerEmail"`
	CustomerPhone   string    `firestore:"customerPhone"`
	ShippingAddress string    `firestore:"shippingAddress"`
	NumberOfCopies  int       `firestore:"numberOfCopies"`
	JoinEvent       bool      `firestore:"joinEvent"`
	BringGuest      bool      `firestore:"bringGuest"`
	ReceiptFileURL  *string   `firestore:"receiptFileUrl"`
	Status          string    `firestore:"status"`
	Version         int64     `firestore:"version"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		TrackingNumber:  order.TrackingNumber,
		CustomerName:    order.CustomerName,
		CustomerEmail:   order.CustomerEmail,
		CustomerPhone:   order.CustomerPhone,
		ShippingAddress: order.ShippingAddress,
		NumberOfCopies:  order.NumberOfCopies,
		JoinEvent:       order.JoinEvent,
		BringGuest:      order.BringGuest,
		ReceiptFileURL:  order.ReceiptFileURL,
		Status:          string(order.Status),
		Version:         order.Version,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, repositories.NewOrderError("orders.decode", repositories.OrderErrorUnavailable, "decode order document", err)
	}
	status, err := domain.ParseOrderStatus(doc.Status)
	if err != nil {
		return domain.Order{}, repositories.NewOrderError("orders.decode", repositories.OrderErrorUnavailable, "stored status is invalid", err)
	}
	trackingNumber := doc.TrackingNumber
	if trackingNumber == "" {
		trackingNumber = snap.Ref.ID
	}
	return domain.Order{
		TrackingNumber:  trackingNumber,
		CustomerName:    doc.CustomerName,
		CustomerEmail:   doc.CustomerEmail,
		CustomerPhone:   doc.CustomerPhone,
		ShippingAddress: doc.ShippingAddress,
		NumberOfCopies:  doc.NumberOfCopies,
		JoinEvent:       doc.JoinEvent,
		BringGuest:      doc.BringGuest,
		ReceiptFileURL:  doc.ReceiptFileURL,
		Status:          status,
		Version:         doc.Version,
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}, nil
}

func (r *OrderRepository) docRef(ctx context.Context, trackingNumber string) (*firestore.DocumentRef, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, repositories.NewOrderError("orders.ref", repositories.OrderErrorInvalidInput, "tracking number is required", nil)
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.client", err)
	}
	return client.Collection(ordersCollection).Doc(trackingNumber), nil
}

// Insert implements repositories.OrderRepository.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.docRef(ctx, order.TrackingNumber)
	if err != nil {
		return err
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByTrackingAndEmail implements repositories.OrderRepository.
func (r *OrderRepository) FindByTrackingAndEmail(ctx context.Context, trackingNumber, email string) (domain.Order, error) {
	order, err := r.FindByTracking(ctx, trackingNumber)
	if err != nil {
		return domain.Order{}, err
	}
	if order.CustomerEmail != email {
		return domain.Order{}, repositories.NewOrderError("orders.find", repositories.OrderErrorNotFound, "order not found", nil)
	}
	return order, nil
}

// FindByTracking implements repositories.OrderRepository.
func (r *OrderRepository) FindByTracking(ctx context.Context, trackingNumber string) (domain.Order, error) {
	ref, err := r.docRef(ctx, trackingNumber)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return decodeOrder(snap)
}

// MarkReceiptSubmitted implements repositories.OrderRepository. The status is re-read inside the
// transaction so only one of several concurrent uploads can win.
func (r *OrderRepository) MarkReceiptSubmitted(ctx context.Context, cmd repositories.ReceiptSubmission) (domain.Order, error) {
	ref, err := r.docRef(ctx, cmd.TrackingNumber)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.mark_receipt", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if order.CustomerEmail != cmd.Email || order.Status != domain.OrderStatusPendingPayment {
			return repositories.NewOrderError("orders.mark_receipt", repositories.OrderErrorNotFound, "order not found", nil)
		}

		url := cmd.ReceiptFileURL
		order.ReceiptFileURL = &url
		order.Status = domain.OrderStatusPending
		order.UpdatedAt = cmd.SubmittedAt.UTC()
		order.Version++
		if err := tx.Update(ref, []firestore.Update{
			{Path: "receiptFileUrl", Value: url},
			{Path: "status", Value: string(order.Status)},
			{Path: "updatedAt", Value: order.UpdatedAt},
			{Path: "version", Value: order.Version},
		}); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// UpdateStatus implements repositories.OrderRepository.
func (r *OrderRepository) UpdateStatus(ctx context.Context, cmd repositories.StatusUpdate) (domain.Order, error) {
	ref, err := r.docRef(ctx, cmd.TrackingNumber)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.update_status", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if err := cmd.Check("orders.update_status", order.Status); err != nil {
			return err
		}
		order.Status = cmd.Next
		order.UpdatedAt = cmd.UpdatedAt.UTC()
		order.Version++
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(order.Status)},
			{Path: "updatedAt", Value: order.UpdatedAt},
			{Path: "version", Value: order.Version},
		}); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// List implements repositories.OrderRepository.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewOrderError("orders.list", repositories.OrderErrorInvalidInput, "invalid page token", err)
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.client", err)
	}

	size := pagination.NormalizePageSize(filter.PageSize)
	query := client.Collection(ordersCollection).Query
	if filter.Status != nil {
		query = query.Where("status", "==", string(*filter.Status))
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy("trackingNumber", firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt.UTC(), cursor.TrackingNumber)
	}
	query = query.Limit(size + 1)

	iter := query.Documents(ctx)
	defer iter.Stop()

	items := make([]domain.Order, 0, size+1)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		order, err := decodeOrder(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		items = append(items, order)
	}

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
func (r *OrderRepository) Ping(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.ping", err)
	}
	iter := client.Collection(ordersCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("orders.ping", err)
	}
	return nil
}
