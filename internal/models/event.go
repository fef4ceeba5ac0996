package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType описывает тип события в системе.
type EventType string

const (
	EventTypeVoucherCreated  EventType = "voucher.created"
	EventTypeVoucherRedeemed EventType = "voucher.redeemed"
	EventTypeVouchersExpired EventType = "vouchers.expired"
)

// Event представляет событие, публикуемое в Kafka.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
