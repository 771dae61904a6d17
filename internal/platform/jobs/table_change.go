package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/healinparadise/preorders/internal/domain"
)

// Row change types posted by database triggers.
const (
	TableChangeInsert = "INSERT"
	TableChangeUpdate = "UPDATE"
	TableChangeDelete = "DELETE"
)

// TableChange is the payload a database trigger posts when an orders row changes.
type TableChange struct {
	Type      string             `json:"type"`
	Table     string             `json:"table,omitempty"`
	Record    *OrderSnapshotJSON `json:"record"`
	OldRecord *OrderSnapshotJSON `json:"old_record"`
}

// DecodeTableChange converts a trigger payload into an order event. ok is false for changes that
// do not correspond to a lifecycle event, such as deletes or administrative status updates.
func DecodeTableChange(data []byte, now time.Time) (event domain.OrderEvent, ok bool, err error) {
	var change TableChange
	if err := json.Unmarshal(data, &change); err != nil {
		return domain.OrderEvent{}, false, fmt.Errorf("jobs: decode table change: %w", err)
	}
	changeType := strings.ToUpper(strings.TrimSpace(change.Type))
	if changeType != TableChangeInsert && changeType != TableChangeUpdate {
		return domain.OrderEvent{}, false, nil
	}
	if change.Record == nil {
		return domain.OrderEvent{}, false, errors.New("jobs: table change has no record")
	}
	order, err := change.Record.ToOrder()
	if err != nil {
		return domain.OrderEvent{}, false, fmt.Errorf("jobs: decode table change: %w", err)
	}

	event = domain.OrderEvent{
		ID:             ulid.Make().String(),
		TrackingNumber: order.TrackingNumber,
		CurrentStatus:  order.Status,
		OccurredAt:     now.UTC(),
		Order:          order,
	}
	switch changeType {
	case TableChangeInsert:
		event.Type = domain.OrderEventCreated
		return event, true, nil
	default:
		if change.OldRecord == nil {
			return domain.OrderEvent{}, false, nil
		}
		previous, err := domain.ParseOrderStatus(change.OldRecord.Status)
		if err != nil {
			return domain.OrderEvent{}, false, fmt.Errorf("jobs: decode table change: %w", err)
		}
		if previous != domain.OrderStatusPendingPayment || order.Status != domain.OrderStatusPending {
			return domain.OrderEvent{}, false, nil
		}
		event.Type = domain.OrderEventReceiptSubmitted
		event.PreviousStatus = previous
		return event, true, nil
	}
}
