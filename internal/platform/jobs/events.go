package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/healinparadise/preorders/internal/domain"
)

// OrderEventMessage is the JSON body published for every order lifecycle event. Both the
// Pub/Sub and Kafka publishers emit it and the push consumer decodes it.
type OrderEventMessage struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	TrackingNumber string            `json:"tracking_number"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	CurrentStatus  string            `json:"current_status"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Order          OrderSnapshotJSON `json:"order"`
}

// OrderSnapshotJSON is the order as carried inside an event.
type OrderSnapshotJSON struct {
	TrackingNumber  string    `json:"tracking_number"`
	CustomerName    string    `json:"customer_name"`
	CustomerEmail   string    `json:"customer_email"`
	CustomerPhone   string    `json:"customer_phone"`
	ShippingAddress string    `json:"shipping_address"`
	NumberOfCopies  int       `json:"number_of_copies"`
	JoinEvent       bool      `json:"join_event"`
	BringGuest      bool      `json:"bring_guest"`
	ReceiptFileURL  *string   `json:"receipt_file_url"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SnapshotFromOrder converts a domain order to its event form.
func SnapshotFromOrder(o domain.Order) OrderSnapshotJSON {
	return OrderSnapshotJSON{
		TrackingNumber:  o.TrackingNumber,
		CustomerName:    o.CustomerName,
		CustomerEmail:   o.CustomerEmail,
		CustomerPhone:   o.CustomerPhone,
		ShippingAddress: o.ShippingAddress,
		NumberOfCopies:  o.NumberOfCopies,
		JoinEvent:       o.JoinEvent,
		BringGuest:      o.BringGuest,
		ReceiptFileURL:  o.ReceiptFileURL,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// ToOrder converts the snapshot back, accepting legacy status names.
func (s OrderSnapshotJSON) ToOrder() (domain.Order, error) {
	status, err := domain.ParseOrderStatus(s.Status)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		TrackingNumber:  s.TrackingNumber,
		CustomerName:    s.CustomerName,
		CustomerEmail:   s.CustomerEmail,
		CustomerPhone:   s.CustomerPhone,
		ShippingAddress: s.ShippingAddress,
		NumberOfCopies:  s.NumberOfCopies,
		JoinEvent:       s.JoinEvent,
		BringGuest:      s.BringGuest,
		ReceiptFileURL:  s.ReceiptFileURL,
		Status:          status,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}, nil
}

// EncodeOrderEvent serialises event for the bus.
func EncodeOrderEvent(event domain.OrderEvent) ([]byte, error) {
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return nil, errors.New("jobs: event id and type are required")
	}
	msg := OrderEventMessage{
		ID:             event.ID,
		Type:           string(event.Type),
		TrackingNumber: event.TrackingNumber,
		PreviousStatus: string(event.PreviousStatus),
		CurrentStatus:  string(event.CurrentStatus),
		OccurredAt:     event.OccurredAt.UTC(),
		Order:          SnapshotFromOrder(event.Order),
	}
	return json.Marshal(msg)
}

// DecodeOrderEvent parses a bus payload produced by EncodeOrderEvent.
func DecodeOrderEvent(data []byte) (domain.OrderEvent, error) {
	var msg OrderEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.OrderEvent{}, fmt.Errorf("jobs: decode order event: %w", err)
	}
	switch domain.OrderEventType(msg.Type) {
	case domain.OrderEventCreated, domain.OrderEventReceiptSubmitted:
	default:
		return domain.OrderEvent{}, fmt.Errorf("jobs: unknown order event type %q", msg.Type)
	}
	order, err := msg.Order.ToOrder()
	if err != nil {
		return domain.OrderEvent{}, fmt.Errorf("jobs: decode order event: %w", err)
	}
	event := domain.OrderEvent{
		ID:             msg.ID,
		Type:           domain.OrderEventType(msg.Type),
		TrackingNumber: msg.TrackingNumber,
		CurrentStatus:  order.Status,
		OccurredAt:     msg.OccurredAt,
		Order:          order,
	}
	if msg.PreviousStatus != "" {
		if event.PreviousStatus, err = domain.ParseOrderStatus(msg.PreviousStatus); err != nil {
			return domain.OrderEvent{}, fmt.Errorf("jobs: decode order event: %w", err)
		}
	}
	if msg.CurrentStatus != "" {
		if event.CurrentStatus, err = domain.ParseOrderStatus(msg.CurrentStatus); err != nil {
			return domain.OrderEvent{}, fmt.Errorf("jobs: decode order event: %w", err)
		}
	}
	return event, nil
}

func eventAttributes(event domain.OrderEvent) map[string]string {
	attrs := map[string]string{
		"eventId":   event.ID,
		"eventType": string(event.Type),
	}
	if tn := strings.TrimSpace(event.TrackingNumber); tn != "" {
		attrs["trackingNumber"] = tn
	}
	return attrs
}
