package repositories

import (
	"errors"
	"fmt"
)

// OrderErrorCode enumerates failure reasons for order store operations.
type OrderErrorCode string

const (
	// OrderErrorNotFound indicates no order matched the supplied keys and preconditions.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorConflict indicates a duplicate tracking number or a lost compare-and-swap.
	OrderErrorConflict OrderErrorCode = "order_conflict"
	// OrderErrorUnavailable indicates the backing store could not be reached.
	OrderErrorUnavailable OrderErrorCode = "order_unavailable"
	// OrderErrorInvalidInput indicates the caller supplied invalid arguments.
	OrderErrorInvalidInput OrderErrorCode = "order_invalid_input"
)

// OrderError wraps order store failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*OrderError)(nil)

// NewOrderError constructs a typed order store error.
func NewOrderError(op string, code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{Op: op, Code: code, Message: message, Err: err}
}

func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether no order matched.
func (e *OrderError) IsNotFound() bool { return e != nil && e.Code == OrderErrorNotFound }

// IsConflict reports whether the write lost against a concurrent writer or duplicate key.
func (e *OrderError) IsConflict() bool { return e != nil && e.Code == OrderErrorConflict }

// IsUnavailable reports whether the store could not be reached.
func (e *OrderError) IsUnavailable() bool { return e != nil && e.Code == OrderErrorUnavailable }

// IsNotFound reports whether err, or anything it wraps, is a not-found repository error.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err, or anything it wraps, is a conflict repository error.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err, or anything it wraps, is an unavailable repository error.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
