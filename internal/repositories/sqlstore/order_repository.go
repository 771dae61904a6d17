package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/pagination"
	"github.com/healinparadise/preorders/internal/repositories"
)

const (
	mysqlDuplicateEntry = 1062
	defaultQueryTimeout = 5 * time.Second
)

type orderRow struct {
	TrackingNumber  string         `db:"tracking_number"`
	CustomerName    string         `db:"customer_name"`
	CustomerEmail   string         `db:"customer_email"`
	CustomerPhone   string         `db:"customer_phone"`
	ShippingAddress string         `db:"shipping_address"`
	NumberOfCopies  int            `db:"number_of_copies"`
	JoinEvent       bool           `db:"join_event"`
	BringGuest      bool           `db:"bring_guest"`
	ReceiptFileURL  sql.NullString `db:"receipt_file_url"`
	Status          string         `db:"status"`
	Version         int64          `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const orderColumns = `tracking_number, customer_name, customer_email, customer_phone, shipping_address,
	number_of_copies, join_event, bring_guest, receipt_file_url, status, version, created_at, updated_at`

var (
	insertOrderQuery = `INSERT INTO orders (` + orderColumns + `) VALUES (:tracking_number, :customer_name,
	:customer_email, :customer_phone, :shipping_address, :number_of_copies, :join_event, :bring_guest,
	:receipt_file_url, :status, :version, :created_at, :updated_at)`
	findByTrackingAndEmailQuery = `SELECT ` + orderColumns + ` FROM orders WHERE tracking_number = ? AND customer_email = ?`
	findByTrackingQuery         = `SELECT ` + orderColumns + ` FROM orders WHERE tracking_number = ?`
	markReceiptQuery            = `UPDATE orders SET receipt_file_url = ?, status = ?, version = version + 1, updated_at = ?
	WHERE tracking_number = ? AND customer_email = ? AND status = ? AND version = ?`
	updateStatusQuery = `UPDATE orders SET status = ?, version = version + 1, updated_at = ?
	WHERE tracking_number = ? AND status = ? AND version = ?`
)

// OrderRepository implements repositories.OrderRepository on SQLite or MySQL through sqlx.
type OrderRepository struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository wraps an open, migrated database handle.
func NewOrderRepository(db *sqlx.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("sql order repository requires db")
	}
	return &OrderRepository{db: db, timeout: defaultQueryTimeout}, nil
}

// Insert implements repositories.OrderRepository.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if order.Version == 0 {
		order.Version = 1
	}
	if _, err := r.db.NamedExecContext(ctx, insertOrderQuery, toRow(order)); err != nil {
		if isDuplicateKey(err) {
			return repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, "tracking number already exists", err)
		}
		return wrapError("orders.insert", err)
	}
	return nil
}

// FindByTrackingAndEmail implements repositories.OrderRepository.
func (r *OrderRepository) FindByTrackingAndEmail(ctx context.Context, trackingNumber, email string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row orderRow
	if err := r.db.GetContext(ctx, &row, findByTrackingAndEmailQuery, trackingNumber, email); err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}
	return row.toDomain(), nil
}

// FindByTracking implements repositories.OrderRepository.
func (r *OrderRepository) FindByTracking(ctx context.Context, trackingNumber string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row orderRow
	if err := r.db.GetContext(ctx, &row, findByTrackingQuery, trackingNumber); err != nil {
		return domain.Order{}, wrapError("orders.find_by_tracking", err)
	}
	return row.toDomain(), nil
}

// MarkReceiptSubmitted implements repositories.OrderRepository. The update is a compare-and-swap
// on status and version, so at most one concurrent caller observes a changed row.
func (r *OrderRepository) MarkReceiptSubmitted(ctx context.Context, cmd repositories.ReceiptSubmission) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row orderRow
	if err := r.db.GetContext(ctx, &row, findByTrackingAndEmailQuery, cmd.TrackingNumber, cmd.Email); err != nil {
		return domain.Order{}, wrapError("orders.mark_receipt", err)
	}
	if domain.OrderStatus(row.Status) != domain.OrderStatusPendingPayment {
		return domain.Order{}, repositories.NewOrderError("orders.mark_receipt", repositories.OrderErrorNotFound, "order not awaiting payment", nil)
	}

	submittedAt := cmd.SubmittedAt.UTC()
	res, err := r.db.ExecContext(ctx, markReceiptQuery,
		cmd.ReceiptFileURL, string(domain.OrderStatusPending), submittedAt,
		cmd.TrackingNumber, cmd.Email, string(domain.OrderStatusPendingPayment), row.Version,
	)
	if err != nil {
		return domain.Order{}, wrapError("orders.mark_receipt", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return domain.Order{}, wrapError("orders.mark_receipt", err)
	} else if affected == 0 {
		return domain.Order{}, repositories.NewOrderError("orders.mark_receipt", repositories.OrderErrorNotFound, "order changed concurrently", nil)
	}

	row.ReceiptFileURL = sql.NullString{String: cmd.ReceiptFileURL, Valid: true}
	row.Status = string(domain.OrderStatusPending)
	row.Version++
	row.UpdatedAt = submittedAt
	return row.toDomain(), nil
}

// UpdateStatus implements repositories.OrderRepository.
func (r *OrderRepository) UpdateStatus(ctx context.Context, cmd repositories.StatusUpdate) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row orderRow
	if err := r.db.GetContext(ctx, &row, findByTrackingQuery, cmd.TrackingNumber); err != nil {
		return domain.Order{}, wrapError("orders.update_status", err)
	}
	if err := cmd.Check("orders.update_status", domain.OrderStatus(row.Status)); err != nil {
		return domain.Order{}, err
	}

	updatedAt := cmd.UpdatedAt.UTC()
	res, err := r.db.ExecContext(ctx, updateStatusQuery, string(cmd.Next), updatedAt, cmd.TrackingNumber, string(cmd.Expected), row.Version)
	if err != nil {
		return domain.Order{}, wrapError("orders.update_status", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return domain.Order{}, wrapError("orders.update_status", err)
	} else if affected == 0 {
		return domain.Order{}, repositories.NewOrderError("orders.update_status", repositories.OrderErrorConflict, "status changed concurrently", nil)
	}

	row.Status = string(cmd.Next)
	row.Version++
	row.UpdatedAt = updatedAt
	return row.toDomain(), nil
}

// List implements repositories.OrderRepository using keyset pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewOrderError("orders.list", repositories.OrderErrorInvalidInput, "invalid page token", err)
	}
	size := pagination.NormalizePageSize(filter.PageSize)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := make([]any, 0, 5)
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if !cursor.IsZero() {
		at := cursor.CreatedAt.UTC()
		query += ` AND (created_at < ? OR (created_at = ? AND tracking_number < ?))`
		args = append(args, at, at, cursor.TrackingNumber)
	}
	query += ` ORDER BY created_at DESC, tracking_number DESC LIMIT ?`
	args = append(args, size+1)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(rows))}
	for i, row := range rows {
		if i == size {
			break
		}
		page.Items = append(page.Items, row.toDomain())
	}
	if len(rows) > size {
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
	if err := r.db.PingContext(ctx); err != nil {
		return wrapError("orders.ping", err)
	}
	return nil
}

func toRow(order domain.Order) orderRow {
	row := orderRow{
		TrackingNumber:  order.TrackingNumber,
		CustomerName:    order.CustomerName,
		CustomerEmail:   order.CustomerEmail,
		CustomerPhone:   order.CustomerPhone,
		ShippingAddress: order.ShippingAddress,
		NumberOfCopies:  order.NumberOfCopies,
		JoinEvent:       order.JoinEvent,
		BringGuest:      order.BringGuest,
		Status:          string(order.Status),
		Version:         order.Version,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.ReceiptFileURL != nil {
		row.ReceiptFileURL = sql.NullString{String: *order.ReceiptFileURL, Valid: true}
	}
	return row
}

func (row orderRow) toDomain() domain.Order {
	order := domain.Order{
		TrackingNumber:  row.TrackingNumber,
		CustomerName:    row.CustomerName,
		CustomerEmail:   row.CustomerEmail,
		CustomerPhone:   row.CustomerPhone,
		ShippingAddress: row.ShippingAddress,
		NumberOfCopies:  row.NumberOfCopies,
		JoinEvent:       row.JoinEvent,
		BringGuest:      row.BringGuest,
		Status:          domain.OrderStatus(row.Status),
		Version:         row.Version,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.ReceiptFileURL.Valid {
		url := row.ReceiptFileURL.String
		order.ReceiptFileURL = &url
	}
	return order
}

func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}

func wrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return repositories.NewOrderError(op, repositories.OrderErrorNotFound, "order not found", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sql.ErrConnDone):
		return repositories.NewOrderError(op, repositories.OrderErrorUnavailable, "database unavailable", err)
	default:
		return repositories.NewOrderError(op, repositories.OrderErrorUnavailable, fmt.Sprintf("%s failed", op), err)
	}
}
