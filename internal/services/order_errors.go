package services

import "errors"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data. The concrete error is an
	// *InputError carrying the message shown to the customer.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates no order matched the supplied keys and preconditions.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderBotRejected indicates the bot check judged the submission automated.
	ErrOrderBotRejected = errors.New("order: bot verification failed")
	// ErrOrderNotAwaitingPayment indicates the order exists but is past pending_payment.
	ErrOrderNotAwaitingPayment = errors.New("order: not awaiting payment")
	// ErrOrderStorage indicates the receipt file could not be stored.
	ErrOrderStorage = errors.New("order: receipt storage failed")
	// ErrOrderUnavailable indicates the order store or another dependency failed.
	ErrOrderUnavailable = errors.New("order: dependency unavailable")
)

// Customer-facing validation messages.
const (
	MessageMissingFields      = "Missing required fields."
	MessageInvalidEmail       = "Please enter a valid email address."
	MessageInvalidCopies      = "You must order at least 1 copy."
	MessageReceiptTooLarge    = "Receipt file size exceeds 5MB."
	MessageReceiptType        = "Receipt must be a JPG, PNG, or PDF file."
	MessageReceiptRequired    = "A payment receipt is required."
	MessageLookupKeysRequired = "Tracking number and email are required."
	MessageTrackingRequired   = "Tracking number is required."
)

// InputError is a validation failure with a customer-facing message.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "order: invalid input: " + e.Message
	}
	return "order: invalid " + e.Field + ": " + e.Message
}

func (e *InputError) Unwrap() error { return ErrOrderInvalidInput }

func invalidInput(field, message string) error {
	return &InputError{Field: field, Message: message}
}

// StatusError reports the current status of an order that exists but cannot serve the request.
type StatusError struct {
	Status OrderStatus
}

func (e *StatusError) Error() string {
	return "order: not awaiting payment (status " + string(e.Status) + ")"
}

func (e *StatusError) Unwrap() error { return ErrOrderNotAwaitingPayment }
