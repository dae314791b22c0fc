package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusConflict is returned when a status transition does not start
	// from the expected state.
	ErrStatusConflict = errors.New("order status conflict")
	// ErrUnknownUser is returned when the order references a user that does
	// not exist.
	ErrUnknownUser = errors.New("user not found")
)

// Order is a placed checkout. Discount and CouponCode are captured at
// placement and never recomputed from the coupon afterwards.
type Order struct {
	ID             string
	UserID         string
	Items          []Item
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	DeliveryCharge decimal.Decimal
	Total          decimal.Decimal
	CouponCode     string
	Status         Status
	CreatedAt      time.Time
}

// Item is an order line with the unit price captured at placement.
type Item struct {
	MedicineID string          `json:"medicine_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
}

// LineTotal returns UnitPrice × Quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// UpdateStatus moves the order from one status to another and returns
	// ErrStatusConflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
}

// Transactor runs fn inside a storage transaction carried by the context.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
