package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sku is a stock-bearing variant. Its two counters form the stock ledger.
type Sku struct {
	ID               int64           `db:"id" json:"id"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	Code             string          `db:"sku_code" json:"sku_code"`
	Price            decimal.Decimal `db:"price" json:"price"`
	StockQuantity    int             `db:"stock_quantity" json:"stock_quantity"`
	ReservedQuantity int             `db:"reserved_quantity" json:"reserved_quantity"`
	Version          int64           `db:"version" json:"version"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Available returns the units that can still be reserved.
func (s *Sku) Available() int {
	return s.StockQuantity - s.ReservedQuantity
}

// SkuSnapshot is the catalog view of a SKU captured into order items.
type SkuSnapshot struct {
	SkuID       int64           `db:"sku_id"`
	ProductID   int64           `db:"product_id"`
	ProductName string          `db:"product_name"`
	ImageURL    string          `db:"image_url"`
	Price       decimal.Decimal `db:"price"`
}

// Availability is the advisory, possibly stale, view of a SKU's counters.
type Availability struct {
	SkuID     int64 `json:"sku_id"`
	Stock     int   `json:"stock"`
	Reserved  int   `json:"reserved"`
	Available int   `json:"available"`
	Version   int64 `json:"version"`
	Cached    bool  `json:"cached"`
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Cancellation reasons recorded on released reservations.
const (
	ReasonExpired          = "expired"
	ReasonReleased         = "released"
	ReasonSuperseded       = "superseded"
	ReasonOrderAborted     = "order_aborted"
	ReasonDuplicateRequest = "duplicate_request"
)

// Reservation is a time-bounded hold on a quantity of one SKU.
type Reservation struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	SkuID              int64             `db:"sku_id" json:"sku_id"`
	Quantity           int               `db:"quantity" json:"quantity"`
	Status             ReservationStatus `db:"status" json:"status"`
	CartID             *int64            `db:"cart_id" json:"cart_id,omitempty"`
	CartItemID         *int64            `db:"cart_item_id" json:"cart_item_id,omitempty"`
	OrderID            *int64            `db:"order_id" json:"order_id,omitempty"`
	SessionID          *string           `db:"session_id" json:"session_id,omitempty"`
	IPAddress          *string           `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent          *string           `db:"user_agent" json:"user_agent,omitempty"`
	CancellationReason *string           `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt          time.Time         `db:"expires_at" json:"expires_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// IsActiveAt reports whether the reservation still holds stock and has not expired at t.
func (r *Reservation) IsActiveAt(t time.Time) bool {
	return r.Status == ReservationActive && r.ExpiresAt.After(t)
}

// ReleaseResult describes a bulk release: how many reservations changed state
// and the SKU rows as they were left by the transaction.
type ReleaseResult struct {
	Count int
	BySku map[int64]int
	Skus  []Sku
}
