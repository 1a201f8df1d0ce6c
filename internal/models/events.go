package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeReservationsReleased = "RESERVATIONS_RELEASED"
	EventTypeOrderCommitted       = "ORDER_COMMITTED"
	EventTypePaymentSucceeded     = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationsReleasedEvent is published after reservations return stock to the pool.
type ReservationsReleasedEvent struct {
	BaseEvent
	Reason string        `json:"reason"`
	Count  int           `json:"count"`
	Skus   []SkuQuantity `json:"skus"`
	CartID *int64        `json:"cart_id,omitempty"`
}

// OrderCommittedEvent is published once an order and its stock decrement are durable.
type OrderCommittedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []SkuQuantity   `json:"items"`
}

// PaymentSucceededEvent is published by the payment service.
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	TxID    string `json:"tx_id"`
}

// PaymentFailedEvent is published by the payment service.
type PaymentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// SkuQuantity represents a per-SKU quantity in events
type SkuQuantity struct {
	SkuID    int64 `json:"sku_id"`
	Quantity int   `json:"quantity"`
}
