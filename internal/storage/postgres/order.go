package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pharmacy-api/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, items, subtotal, discount, delivery_charge,
		total, coupon_code, status, created_at)
		VALUES ($1, NULLIF($2::text, ''), $3, $4, $5, $6, $7, NULLIF($8::text, ''), $9, $10)`

	getOrderSQL = `SELECT id, COALESCE(user_id, ''), items, subtotal, discount, delivery_charge,
		total, COALESCE(coupon_code, ''), status, created_at
		FROM orders WHERE id = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The order items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = conn(ctx, r.pool).Exec(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, o.Subtotal, o.Discount, o.DeliveryCharge,
		o.Total, o.CouponCode, string(o.Status), o.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return order.ErrUnknownUser
	}
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// GetByID returns an order or order.ErrNotFound.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		status    string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.Subtotal, &o.Discount, &o.DeliveryCharge,
		&o.Total, &o.CouponCode, &status, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items of order %q: %w", id, err)
	}
	o.Status = order.Status(status)
	return &o, nil
}

// UpdateStatus moves an order from one status to another.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) error {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, updateOrderStatusSQL, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("updating status of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}
