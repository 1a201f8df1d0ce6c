package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cart is owned by the cart service; this service reads it and clears it on commit.
type Cart struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Version   int64      `db:"version" json:"version"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	Items     []CartItem `db:"-" json:"items"`
}

// CartItem is one line of a cart.
type CartItem struct {
	ID       int64     `db:"id" json:"id"`
	CartID   int64     `db:"cart_id" json:"cart_id"`
	SkuID    int64     `db:"sku_id" json:"sku_id"`
	Quantity int       `db:"quantity" json:"quantity"`
	AddedAt  time.Time `db:"added_at" json:"added_at"`
}

// ShippingInfo is recorded on the order as given.
type ShippingInfo struct {
	FullName   string `json:"full_name" validate:"required,max=200"`
	Phone      string `json:"phone" validate:"omitempty,max=40"`
	Address    string `json:"address" validate:"required,max=500"`
	City       string `json:"city" validate:"required,max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

// Order represents a committed customer order
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	UserID         int64           `db:"user_id" json:"user_id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         string          `db:"status" json:"status"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	ShipFullName   string          `db:"shipping_full_name" json:"-"`
	ShipPhone      string          `db:"shipping_phone" json:"-"`
	ShipAddress    string          `db:"shipping_address" json:"-"`
	ShipCity       string          `db:"shipping_city" json:"-"`
	ShipPostalCode string          `db:"shipping_postal_code" json:"-"`
	ShipCountry    string          `db:"shipping_country" json:"-"`
	DeliveryMethod string          `db:"delivery_method" json:"delivery_method"`
	PaymentMethod  string          `db:"payment_method" json:"payment_method"`
	PromoCode      *string         `db:"promo_code" json:"promo_code,omitempty"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	Version        int64           `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	Items          []OrderItem     `db:"-" json:"items,omitempty"`
}

// Shipping reassembles the flattened shipping columns.
func (o *Order) Shipping() ShippingInfo {
	return ShippingInfo{
		FullName:   o.ShipFullName,
		Phone:      o.ShipPhone,
		Address:    o.ShipAddress,
		City:       o.ShipCity,
		PostalCode: o.ShipPostalCode,
		Country:    o.ShipCountry,
	}
}

// SetShipping flattens shipping info onto the order columns.
func (o *Order) SetShipping(s ShippingInfo) {
	o.ShipFullName = s.FullName
	o.ShipPhone = s.Phone
	o.ShipAddress = s.Address
	o.ShipCity = s.City
	o.ShipPostalCode = s.PostalCode
	o.ShipCountry = s.Country
}

// OrderItem is a line snapshotted at commit time; later catalog edits do not touch it.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	SkuID       int64           `db:"sku_id" json:"sku_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	ImageURL    string          `db:"image_url" json:"image_url"`
}

// ApplySnapshots copies each item's catalog view (product, name, price,
// image) from snaps and returns the order total.
func ApplySnapshots(items []OrderItem, snaps map[int64]SkuSnapshot) (decimal.Decimal, error) {
	total := decimal.Zero
	for i := range items {
		item := &items[i]
		snap, ok := snaps[item.SkuID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %d", ErrSkuNotFound, item.SkuID)
		}
		item.ProductID = snap.ProductID
		item.ProductName = snap.ProductName
		item.UnitPrice = snap.Price
		item.ImageURL = snap.ImageURL
		total = total.Add(snap.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total, nil
}

// OrderCommit carries everything the commit transaction needs. Items only
// need SkuID and Quantity; the snapshot fields and the order total are
// filled inside the transaction.
type OrderCommit struct {
	Order          *Order
	Items          []OrderItem
	ReservationIDs []uuid.UUID
	CartID         int64
	CartVersion    int64
}

// Order statuses
const (
	OrderStatusPending       = "PENDING"
	OrderStatusPaid          = "PAID"
	OrderStatusPaymentFailed = "PAYMENT_FAILED"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
