package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/notify"
)

// --- Mock implementations ---

type mockMedicineRepo struct {
	byID   map[string]medicine.Medicine
	getErr error
}

func (m *mockMedicineRepo) List(_ context.Context) ([]medicine.Medicine, error) {
	return nil, nil
}

func (m *mockMedicineRepo) GetByID(_ context.Context, id string) (*medicine.Medicine, error) {
	med, ok := m.byID[id]
	if !ok {
		return nil, medicine.ErrNotFound
	}
	return &med, nil
}

func (m *mockMedicineRepo) GetByIDs(_ context.Context, ids []string) ([]medicine.Medicine, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []medicine.Medicine
	for _, id := range ids {
		if med, ok := m.byID[id]; ok {
			out = append(out, med)
		}
	}
	return out, nil
}

// mockCoupons holds coupons in memory and redeems with the same guard the
// storage layer applies.
type mockCoupons struct {
	mu        sync.Mutex
	now       time.Time
	byCode    map[string]*coupon.Coupon
	lookupErr error
	redeemErr error
	redeemed  int
}

func (m *mockCoupons) Now() time.Time { return m.now }

func (m *mockCoupons) Lookup(_ context.Context, code string) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	c, ok := m.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockCoupons) Redeem(_ context.Context, code string) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redeemErr != nil {
		return nil, m.redeemErr
	}
	c, ok := m.byCode[code]
	if !ok || !c.IsValid(m.now) || c.IsUsageLimitReached() {
		return nil, coupon.ErrNotRedeemable
	}
	c.UsedCount++
	m.redeemed++
	cp := *c
	return &cp, nil
}

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
	err    error
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.orders == nil {
		m.orders = make(map[string]*Order)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	return nil
}

// passthroughTx runs fn directly and counts calls.
type passthroughTx struct {
	calls int
}

func (p *passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// --- Helpers ---

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMedicineRepo(meds ...medicine.Medicine) *mockMedicineRepo {
	byID := make(map[string]medicine.Medicine, len(meds))
	for _, m := range meds {
		byID[m.ID] = m
	}
	return &mockMedicineRepo{byID: byID}
}

func newCoupons(cs ...coupon.Coupon) *mockCoupons {
	byCode := make(map[string]*coupon.Coupon, len(cs))
	for i := range cs {
		byCode[cs[i].Code] = &cs[i]
	}
	return &mockCoupons{now: testNow, byCode: byCode}
}

func paracetamol() medicine.Medicine {
	return medicine.Medicine{ID: "m1", Name: "Paracetamol 500mg", Price: d("150"), Category: "pain-relief"}
}

func cetirizine() medicine.Medicine {
	return medicine.Medicine{ID: "m2", Name: "Cetirizine 10mg", Price: d("200"), Category: "allergy"}
}

func limit(n int) *int { return &n }

type fixture struct {
	svc     *Service
	coupons *mockCoupons
	orders  *mockOrderRepo
	tx      *passthroughTx
}

func newFixture(t *testing.T, meds *mockMedicineRepo, cs *mockCoupons, pricing Pricing) *fixture {
	t.Helper()
	f := &fixture{coupons: cs, orders: &mockOrderRepo{}, tx: &passthroughTx{}}
	svc, err := NewService(meds, cs, f.orders, f.tx, pricing)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// --- Tests ---

func TestPricing_DeliveryFor(t *testing.T) {
	p := Pricing{DeliveryCharge: d("50"), FreeDeliveryOver: d("1000")}
	assert.True(t, d("50").Equal(p.DeliveryFor(d("999"))))
	assert.True(t, decimal.Zero.Equal(p.DeliveryFor(d("1000"))))

	noWaiver := Pricing{DeliveryCharge: d("50")}
	assert.True(t, d("50").Equal(noWaiver.DeliveryFor(d("100000"))))
}

func TestTotals_FlooredAtZero(t *testing.T) {
	assert.True(t, d("130").Equal(Totals(d("100"), d("20"), d("50"))))
	assert.True(t, decimal.Zero.Equal(Totals(d("10"), d("30"), decimal.Zero)))
}

func TestPlaceOrder_EmptyItems(t *testing.T) {
	f := newFixture(t, newMedicineRepo(), newCoupons(), Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{})
	require.ErrorIs(t, err, ErrEmptyItems)
	assert.Zero(t, f.tx.calls)
}

func TestPlaceOrder_InvalidQuantity(t *testing.T) {
	f := newFixture(t, newMedicineRepo(paracetamol()), newCoupons(), Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "m1", Quantity: 0}},
	})

	var iqErr *InvalidQuantityError
	require.ErrorAs(t, err, &iqErr)
	assert.Equal(t, "m1", iqErr.MedicineID)
}

func TestPlaceOrder_MedicineNotFound(t *testing.T) {
	f := newFixture(t, newMedicineRepo(), newCoupons(), Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "missing", Quantity: 1}},
	})

	var mnfErr *MedicineNotFoundError
	require.ErrorAs(t, err, &mnfErr)
	assert.Equal(t, "missing", mnfErr.MedicineID)
}

func TestPlaceOrder_CatalogError(t *testing.T) {
	meds := newMedicineRepo()
	meds.getErr = errors.New("connection reset")
	f := newFixture(t, meds, newCoupons(), Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "m1", Quantity: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get medicines")
}

func TestPlaceOrder_NoCoupon(t *testing.T) {
	f := newFixture(t,
		newMedicineRepo(paracetamol(), cetirizine()),
		newCoupons(),
		Pricing{DeliveryCharge: d("40"), FreeDeliveryOver: d("1000")},
	)

	result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items: []LineRequest{
			{MedicineID: "m1", Quantity: 2},
			{MedicineID: "m2", Quantity: 1},
		},
	})
	require.NoError(t, err)

	o := result.Order
	assert.True(t, d("500").Equal(o.Subtotal))
	assert.True(t, decimal.Zero.Equal(o.Discount))
	assert.True(t, d("40").Equal(o.DeliveryCharge))
	assert.True(t, d("540").Equal(o.Total))
	assert.Empty(t, o.CouponCode)
	assert.Equal(t, StatusPlaced, o.Status)
	assert.Equal(t, "u1", o.UserID)
	assert.NotEmpty(t, o.ID)
	assert.Len(t, result.Medicines, 2)
	assert.NoError(t, result.CouponRejection)
	assert.Equal(t, 1, f.tx.calls)

	stored, err := f.svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, d("150").Equal(stored.Items[0].UnitPrice))
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	cs := newCoupons(coupon.Coupon{
		Code:            "SAVE10",
		DiscountPercent: d("10"),
		MinOrderAmount:  d("300"),
		UsageLimit:      limit(5),
		IsActive:        true,
	})
	f := newFixture(t,
		newMedicineRepo(paracetamol()),
		cs,
		Pricing{DeliveryCharge: d("40"), FreeDeliveryOver: d("400")},
	)

	result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []LineRequest{{MedicineID: "m1", Quantity: 3}},
		CouponCode: "  save10 ",
	})
	require.NoError(t, err)

	o := result.Order
	assert.True(t, d("450").Equal(o.Subtotal))
	assert.True(t, d("45").Equal(o.Discount))
	assert.True(t, decimal.Zero.Equal(o.DeliveryCharge), "subtotal reaches the free delivery threshold")
	assert.True(t, d("405").Equal(o.Total))
	assert.Equal(t, "SAVE10", o.CouponCode)
	assert.NoError(t, result.CouponRejection)
	assert.Equal(t, 1, cs.byCode["SAVE10"].UsedCount)
}

func TestPlaceOrder_CouponRejectedStillPlacesOrder(t *testing.T) {
	expired := testNow.Add(-time.Hour)
	tests := []struct {
		name   string
		code   string
		coupon coupon.Coupon
		want   error
	}{
		{
			name: "unknown code",
			code: "NOPE",
			want: coupon.ErrNotFound,
		},
		{
			name:   "min order not met",
			code:   "BIG",
			coupon: coupon.Coupon{Code: "BIG", DiscountPercent: d("20"), MinOrderAmount: d("1000"), IsActive: true},
			want:   coupon.ErrMinOrderNotMet,
		},
		{
			name:   "expired",
			code:   "OLD",
			coupon: coupon.Coupon{Code: "OLD", DiscountPercent: d("20"), ValidUntil: &expired, IsActive: true},
			want:   coupon.ErrCouponExpired,
		},
		{
			name:   "inactive",
			code:   "OFF",
			coupon: coupon.Coupon{Code: "OFF", DiscountPercent: d("20")},
			want:   coupon.ErrCouponInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newCoupons()
			if tt.coupon.Code != "" {
				cs = newCoupons(tt.coupon)
			}
			f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{})

			result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
				CouponCode: tt.code,
			})
			require.NoError(t, err)
			assert.ErrorIs(t, result.CouponRejection, tt.want)
			assert.True(t, decimal.Zero.Equal(result.Order.Discount))
			assert.Empty(t, result.Order.CouponCode)
			assert.True(t, d("150").Equal(result.Order.Total))
			assert.Zero(t, cs.redeemed)
		})
	}
}

func TestPlaceOrder_CouponTakenConcurrently(t *testing.T) {
	cs := newCoupons(coupon.Coupon{Code: "LAST", DiscountPercent: d("10"), IsActive: true, UsageLimit: limit(1)})
	cs.redeemErr = coupon.ErrNotRedeemable
	f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
		CouponCode: "LAST",
	})
	require.ErrorIs(t, err, ErrCouponUnavailable)
	assert.Empty(t, f.orders.orders, "no order is written when redemption fails")
}

func TestPlaceOrder_LastUseOnlyOnce(t *testing.T) {
	cs := newCoupons(coupon.Coupon{Code: "ONCE", DiscountPercent: d("10"), IsActive: true, UsageLimit: limit(1)})
	f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{})

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
				CouponCode: "ONCE",
			})
			if err != nil || result.Order.CouponCode == "" {
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, cs.byCode["ONCE"].UsedCount)
}

func TestPlaceOrder_DiscountClampedToSubtotal(t *testing.T) {
	cs := newCoupons(coupon.Coupon{Code: "FREE", DiscountPercent: d("100"), IsActive: true})
	f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{DeliveryCharge: d("30")})

	result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
		CouponCode: "FREE",
	})
	require.NoError(t, err)
	assert.True(t, d("150").Equal(result.Order.Discount))
	assert.True(t, d("30").Equal(result.Order.Total))
}

func TestPlaceOrder_OrderCreateError(t *testing.T) {
	f := newFixture(t, newMedicineRepo(paracetamol()), newCoupons(), Pricing{})
	f.orders.err = errors.New("db write failed")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "m1", Quantity: 1}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestPlaceOrder_CouponLookupError(t *testing.T) {
	cs := newCoupons()
	cs.lookupErr = errors.New("timeout")
	f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{})

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
		CouponCode: "ANY",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup coupon")
}

type captureMail struct {
	msgs []notify.Message
}

func (c *captureMail) Enqueue(_ context.Context, msg notify.Message) bool {
	c.msgs = append(c.msgs, msg)
	return true
}

func TestPlaceOrder_SendsConfirmation(t *testing.T) {
	mail := &captureMail{}
	svc, err := NewService(newMedicineRepo(paracetamol()), newCoupons(), &mockOrderRepo{}, &passthroughTx{},
		Pricing{DeliveryCharge: d("40")}, WithNotifier(mail))
	require.NoError(t, err)

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "m1", Quantity: 2}},
		Email: "buyer@example.com",
	})
	require.NoError(t, err)

	require.Len(t, mail.msgs, 1)
	msg := mail.msgs[0]
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, "order_confirmation", msg.Kind)
	assert.Contains(t, msg.Subject, result.Order.ID)
	assert.Contains(t, msg.Body, "Total: 340.00")

	_, err = svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineRequest{{MedicineID: "m1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Len(t, mail.msgs, 1, "no confirmation without an email")
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, newMedicineRepo(), newCoupons(), Pricing{})

	_, err := f.svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	cs := newCoupons(coupon.Coupon{Code: "KEEP", DiscountPercent: d("10"), IsActive: true, UsageLimit: limit(3)})
	f := newFixture(t, newMedicineRepo(paracetamol()), cs, Pricing{})

	result, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []LineRequest{{MedicineID: "m1", Quantity: 1}},
		CouponCode: "KEEP",
	})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, cs.byCode["KEEP"].UsedCount, "cancellation does not release the coupon use")

	_, err = f.svc.Cancel(context.Background(), result.Order.ID)
	require.ErrorIs(t, err, ErrStatusConflict)

	_, err = f.svc.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
