package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/healinparadise/preorders/internal/repositories"
)

// WrapError classifies Firestore errors into repository order errors. Context cancellations
// are passed through untouched so callers can distinguish client aborts.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		return repositories.NewOrderError(op, repositories.OrderErrorNotFound, "document not found", err)
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewOrderError(op, repositories.OrderErrorConflict, "concurrent modification", err)
	case codes.InvalidArgument, codes.OutOfRange:
		return repositories.NewOrderError(op, repositories.OrderErrorInvalidInput, "invalid request", err)
	default:
		return repositories.NewOrderError(op, repositories.OrderErrorUnavailable, "firestore unavailable", err)
	}
}
