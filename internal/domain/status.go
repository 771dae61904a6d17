package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits a payment receipt.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPending indicates a receipt was received and awaits verification.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment was verified by an administrator.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusReadyForPickup indicates the copies can be collected in person.
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	// OrderStatusShipped indicates the copies were handed to a courier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the customer received the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled out of band.
	OrderStatusCancelled OrderStatus = "cancelled"

	legacyStatusProcessing = "processing"
)

// ErrUnknownOrderStatus is returned when a status string does not name a lifecycle state.
var ErrUnknownOrderStatus = errors.New("order status: unknown")

// milestone ranks are a total order over the non-cancelled states. Pickup and shipping are
// alternative fulfilment branches and share a rank.
var milestones = map[OrderStatus]int{
	OrderStatusPendingPayment: 0,
	OrderStatusPending:        1,
	OrderStatusConfirmed:      2,
	OrderStatusReadyForPickup: 3,
	OrderStatusShipped:        3,
	OrderStatusDelivered:      4,
}

var adminTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed},
	OrderStatusConfirmed:      {OrderStatusReadyForPickup, OrderStatusShipped},
	OrderStatusReadyForPickup: {OrderStatusDelivered},
	OrderStatusShipped:        {OrderStatusDelivered},
}

// ParseOrderStatus normalises raw input, mapping the legacy "processing" value to confirmed.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == legacyStatusProcessing {
		return OrderStatusConfirmed, nil
	}
	status := OrderStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, raw)
	}
	return status, nil
}

// IsValid reports whether the status names a lifecycle state.
func (s OrderStatus) IsValid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := milestones[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) String() string {
	return string(s)
}

// OrderActions lists what a caller may do with an order in its current status.
type OrderActions struct {
	CanUploadReceipt           bool `json:"can_upload_receipt"`
	CanViewPaymentInstructions bool `json:"can_view_payment_instructions"`
	IsTerminal                 bool `json:"is_terminal"`
}

// AllowedActions is the single source of truth for status-gated behaviour.
func AllowedActions(status OrderStatus) OrderActions {
	awaitingPayment := status == OrderStatusPendingPayment
	return OrderActions{
		CanUploadReceipt:           awaitingPayment,
		CanViewPaymentInstructions: awaitingPayment,
		IsTerminal:                 status.IsTerminal(),
	}
}

// Precondition classifies the current status relative to the status an operation expects.
type Precondition int

const (
	// PreconditionReady means the order is exactly in the expected status.
	PreconditionReady Precondition = iota
	// PreconditionAlreadyDone means the order has moved past the expected status.
	PreconditionAlreadyDone
	// PreconditionNotReady means the order has not yet reached the expected status.
	PreconditionNotReady
)

func (p Precondition) String() string {
	switch p {
	case PreconditionReady:
		return "ready"
	case PreconditionAlreadyDone:
		return "already_done"
	default:
		return "not_ready"
	}
}

// CheckPrecondition compares current against expected along the milestone order.
// Cancelled and unknown states count as already past any expectation.
func CheckPrecondition(current, expected OrderStatus) Precondition {
	if current == expected {
		return PreconditionReady
	}
	if current == OrderStatusCancelled {
		return PreconditionAlreadyDone
	}
	currentRank, ok := milestones[current]
	if !ok {
		return PreconditionAlreadyDone
	}
	expectedRank, ok := milestones[expected]
	if !ok {
		return PreconditionNotReady
	}
	if currentRank >= expectedRank {
		return PreconditionAlreadyDone
	}
	return PreconditionNotReady
}

// InitialStatus returns the creation status for an order with or without an inline receipt.
func InitialStatus(receiptSupplied bool) OrderStatus {
	if receiptSupplied {
		return OrderStatusPending
	}
	return OrderStatusPendingPayment
}

// CanTransition reports whether moving from one status to another is a permitted forward step.
// An empty from status denotes creation.
func CanTransition(from, to OrderStatus) bool {
	switch {
	case from == "":
		return to == OrderStatusPendingPayment || to == OrderStatusPending
	case from == OrderStatusPendingPayment && to == OrderStatusPending:
		return true
	}
	return CanAdminTransition(from, to)
}

// CanAdminTransition is the subset of CanTransition an operator may apply by hand. Reaching
// pending is reserved for receipt upload, which records the receipt in the same write.
func CanAdminTransition(from, to OrderStatus) bool {
	if from == "" || from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	return slices.Contains(adminTransitions[from], to)
}
