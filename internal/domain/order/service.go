package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/notify"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems = errors.New("items required")
	// ErrCouponUnavailable is returned when the coupon passed eligibility
	// but its guarded redemption failed, e.g. another checkout took the
	// last use. No order is written in that case.
	ErrCouponUnavailable = errors.New("coupon is no longer available")
)

// MedicineNotFoundError indicates a requested medicine does not exist.
type MedicineNotFoundError struct {
	MedicineID string
}

func (e *MedicineNotFoundError) Error() string {
	return fmt.Sprintf("medicine %s not found", e.MedicineID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	MedicineID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for medicine %s", e.MedicineID)
}

// LineRequest is a requested order line.
type LineRequest struct {
	MedicineID string
	Quantity   int
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	UserID     string
	Items      []LineRequest
	CouponCode string
	// Email receives the order confirmation when set.
	Email string
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order     *Order
	Medicines []medicine.Medicine
	// CouponRejection explains why a supplied coupon was not applied. The
	// order is placed without discount in that case.
	CouponRejection error
}

// Coupons is the part of the coupon engine used at checkout.
type Coupons interface {
	Lookup(ctx context.Context, code string) (*coupon.Coupon, error)
	Redeem(ctx context.Context, code string) (*coupon.Coupon, error)
	Now() time.Time
}

// Pricing holds checkout charges in whole currency units.
type Pricing struct {
	DeliveryCharge decimal.Decimal
	// FreeDeliveryOver waives the delivery charge when the subtotal reaches
	// it. Zero disables the waiver.
	FreeDeliveryOver decimal.Decimal
}

// DeliveryFor returns the delivery charge for a subtotal.
func (p Pricing) DeliveryFor(subtotal decimal.Decimal) decimal.Decimal {
	if p.FreeDeliveryOver.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeDeliveryOver) {
		return decimal.Zero
	}
	return p.DeliveryCharge
}

// Totals returns subtotal - discount + delivery, floored at zero.
func Totals(subtotal, discount, delivery decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount).Add(delivery)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// Option configures a Service.
type Option func(*Service)

// WithTracerProvider sets the tracer provider used for order spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer("pharmacy/order") }
}

// WithMeterProvider sets the meter provider used for order counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meter = mp.Meter("pharmacy/order") }
}

// WithNotifier sends order confirmations through n.
func WithNotifier(n notify.Enqueuer) Option {
	return func(s *Service) { s.notifier = n }
}

// Service encapsulates order placement business logic.
type Service struct {
	medicines medicine.Repository
	coupons   Coupons
	orders    Repository
	tx        Transactor
	pricing   Pricing
	notifier  notify.Enqueuer

	tracer   trace.Tracer
	meter    metric.Meter
	placed   metric.Int64Counter
	redeemed metric.Int64Counter
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	medicines medicine.Repository,
	coupons Coupons,
	orders Repository,
	tx Transactor,
	pricing Pricing,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		medicines: medicines,
		coupons:   coupons,
		orders:    orders,
		tx:        tx,
		pricing:   pricing,
		tracer:    tracenoop.NewTracerProvider().Tracer("pharmacy/order"),
		meter:     metricnoop.NewMeterProvider().Meter("pharmacy/order"),
	}
	for _, o := range opts {
		o(s)
	}

	var err error
	if s.placed, err = s.meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed counter")
	}
	if s.redeemed, err = s.meter.Int64Counter("coupons.redeemed",
		metric.WithDescription("Coupon redemptions at checkout"),
	); err != nil {
		return nil, errors.Wrap(err, "coupons.redeemed counter")
	}
	return s, nil
}

// PlaceOrder validates items, prices them from the catalog, applies the
// coupon when eligible, and persists the order. Coupon redemption and order
// creation share one transaction: if the guarded redemption fails, nothing
// is written.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{MedicineID: item.MedicineID}
		}
		ids[i] = item.MedicineID
	}

	fetched, err := s.medicines.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get medicines")
	}
	byID := make(map[string]medicine.Medicine, len(fetched))
	for _, m := range fetched {
		byID[m.ID] = m
	}

	meds := make([]medicine.Medicine, 0, len(req.Items))
	items := make([]Item, len(req.Items))
	subtotal := decimal.Zero
	for i, line := range req.Items {
		m, ok := byID[line.MedicineID]
		if !ok {
			return nil, &MedicineNotFoundError{MedicineID: line.MedicineID}
		}
		meds = append(meds, m)
		items[i] = Item{
			MedicineID: m.ID,
			Name:       m.Name,
			UnitPrice:  m.Price,
			Quantity:   line.Quantity,
		}
		subtotal = subtotal.Add(items[i].LineTotal())
	}

	// Eligibility is decided against the subtotal, before delivery.
	var (
		applied   *coupon.Coupon
		rejection error
		discount  = decimal.Zero
	)
	if code := coupon.NormalizeCode(req.CouponCode); code != "" {
		c, err := s.coupons.Lookup(ctx, code)
		switch {
		case errors.Is(err, coupon.ErrNotFound):
			rejection = coupon.ErrNotFound
		case err != nil:
			return nil, errors.Wrap(err, "lookup coupon")
		default:
			if rejection = coupon.Explain(c, subtotal, s.coupons.Now()); rejection == nil {
				applied = c
				discount = coupon.ComputeDiscount(c, subtotal)
			}
		}
	}

	delivery := s.pricing.DeliveryFor(subtotal)
	o := &Order{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Items:          items,
		Subtotal:       subtotal,
		Discount:       discount,
		DeliveryCharge: delivery,
		Total:          Totals(subtotal, discount, delivery),
		Status:         StatusPlaced,
		CreatedAt:      s.coupons.Now().UTC(),
	}
	if applied != nil {
		o.CouponCode = applied.Code
	}

	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if applied != nil {
			if _, err := s.coupons.Redeem(ctx, applied.Code); err != nil {
				if errors.Is(err, coupon.ErrNotRedeemable) {
					return ErrCouponUnavailable
				}
				return errors.Wrap(err, "redeem coupon")
			}
		}
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("coupon", applied != nil)))
	if applied != nil {
		s.redeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", applied.Code)))
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	if s.notifier != nil && req.Email != "" {
		s.notifier.Enqueue(ctx, confirmationMessage(req.Email, o))
	}

	return &PlaceOrderResult{
		Order:           o,
		Medicines:       meds,
		CouponRejection: rejection,
	}, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// Cancel moves a placed order to cancelled. Coupon usage consumed by the
// order is not released.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	if err := s.orders.UpdateStatus(ctx, id, StatusPlaced, StatusCancelled); err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrStatusConflict):
			return nil, err
		default:
			return nil, errors.Wrap(err, "cancel order")
		}
	}
	return s.Get(ctx, id)
}

func confirmationMessage(to string, o *Order) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order %s.\n\n", o.ID)
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%d x %s  %s\n", it.Quantity, it.Name, it.LineTotal().StringFixed(2))
	}
	fmt.Fprintf(&b, "\nSubtotal: %s\n", o.Subtotal.StringFixed(2))
	if o.CouponCode != "" {
		fmt.Fprintf(&b, "Discount (%s): -%s\n", o.CouponCode, o.Discount.StringFixed(2))
	}
	fmt.Fprintf(&b, "Delivery: %s\n", o.DeliveryCharge.StringFixed(2))
	fmt.Fprintf(&b, "Total: %s\n", o.Total.StringFixed(2))
	return notify.Message{
		To:      to,
		Subject: "Order " + o.ID + " confirmed",
		Body:    b.String(),
		Kind:    "order_confirmation",
	}
}
