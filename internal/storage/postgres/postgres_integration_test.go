//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/xenking/pharmacy-api/internal/domain/account"
	"github.com/xenking/pharmacy-api/internal/domain/auth"
	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/domain/order"
	"github.com/xenking/pharmacy-api/internal/domain/recovery"
	"github.com/xenking/pharmacy-api/internal/notify"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dc, err := tc.NewDockerCompose("testdata/docker-compose.yml")
	if err != nil {
		log.Fatalf("compose init: %v", err)
	}

	err = dc.
		WaitForService("postgres", wait.ForLog("database system is ready to accept connections").WithOccurrence(2)).
		Up(ctx, tc.Wait(true))
	if err != nil {
		log.Fatalf("compose up: %v", err)
	}
	defer func() {
		if err := dc.Down(context.Background(), tc.RemoveOrphans(true)); err != nil {
			log.Printf("compose down: %v", err)
		}
	}()

	pg, err := dc.ServiceContainer(ctx, "postgres")
	if err != nil {
		log.Fatalf("postgres container: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://pharmacy:pharmacy@%s:%s/pharmacy?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Migrations must be re-runnable.
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations (second run): %v", err)
	}

	return m.Run()
}

func uniqueCode(prefix string) string {
	return coupon.NormalizeCode(prefix + uuid.NewString()[:8])
}

func intPtr(v int) *int { return &v }

func TestCouponRepository_FindAndUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	code := uniqueCode("FIND")

	_, err := repo.FindByCode(ctx, code)
	require.ErrorIs(t, err, coupon.ErrNotFound)

	c := &coupon.Coupon{
		Code:            code,
		Description:     "ten off",
		DiscountPercent: decimal.NewFromInt(10),
		MinOrderAmount:  decimal.NewFromInt(200),
		MaxDiscount:     decimal.NewNullDecimal(decimal.NewFromInt(50)),
		UsageLimit:      intPtr(3),
		IsActive:        true,
	}
	require.NoError(t, repo.Upsert(ctx, c))

	got, err := repo.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(got.DiscountPercent))
	assert.True(t, got.MaxDiscount.Valid)
	require.NotNil(t, got.UsageLimit)
	assert.Equal(t, 3, *got.UsageLimit)
	assert.Nil(t, got.ValidFrom)

	codes, err := repo.ListCodes(ctx)
	require.NoError(t, err)
	assert.Contains(t, codes, code)
}

func TestCouponRepository_RedeemGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	expired := &coupon.Coupon{Code: uniqueCode("EXP"), DiscountPercent: decimal.NewFromInt(5), ValidUntil: &past, IsActive: true}
	inactive := &coupon.Coupon{Code: uniqueCode("OFF"), DiscountPercent: decimal.NewFromInt(5)}
	require.NoError(t, repo.Upsert(ctx, expired))
	require.NoError(t, repo.Upsert(ctx, inactive))

	_, err := repo.Redeem(ctx, expired.Code, now)
	require.ErrorIs(t, err, coupon.ErrNotRedeemable)
	_, err = repo.Redeem(ctx, inactive.Code, now)
	require.ErrorIs(t, err, coupon.ErrNotRedeemable)
	_, err = repo.Redeem(ctx, uniqueCode("MISSING"), now)
	require.ErrorIs(t, err, coupon.ErrNotRedeemable)
}

func TestCouponRepository_ConcurrentLastSlot(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	code := uniqueCode("LAST")
	require.NoError(t, repo.Upsert(ctx, &coupon.Coupon{
		Code:            code,
		DiscountPercent: decimal.NewFromInt(10),
		UsageLimit:      intPtr(1),
		IsActive:        true,
	}))

	const workers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Redeem(ctx, code, time.Now().UTC())
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, coupon.ErrNotRedeemable)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	got, err := repo.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
}

func TestCouponRepository_BulkInsert(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	batch := []coupon.Coupon{
		{Code: uniqueCode("BULK"), DiscountPercent: decimal.NewFromInt(5), IsActive: true},
		{Code: uniqueCode("BULK"), DiscountPercent: decimal.NewFromInt(7), IsActive: true, UsageLimit: intPtr(10)},
	}

	n, err := repo.BulkInsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.BulkInsert(ctx, batch[:1])
	require.Error(t, err)
}

func seedMedicine(t *testing.T, price int64) medicine.Medicine {
	t.Helper()
	m := medicine.Medicine{
		ID:       "med-" + uuid.NewString(),
		Name:     "Ibuprofen 200mg",
		Price:    decimal.NewFromInt(price),
		Category: "pain-relief",
	}
	require.NoError(t, NewMedicineRepository(testPool).Upsert(context.Background(), &m))
	return m
}

func TestMedicineRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMedicineRepository(testPool)
	m := seedMedicine(t, 120)

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.True(t, m.Price.Equal(got.Price))

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, medicine.ErrNotFound)

	many, err := repo.GetByIDs(ctx, []string{m.ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}

func newOrderService(t *testing.T) (*order.Service, *CouponRepository, *OrderRepository) {
	t.Helper()
	coupons := NewCouponRepository(testPool)
	orders := NewOrderRepository(testPool)
	svc, err := order.NewService(
		NewMedicineRepository(testPool),
		coupon.NewEngine(coupons),
		orders,
		NewTxManager(testPool),
		order.Pricing{DeliveryCharge: decimal.NewFromInt(40)},
	)
	require.NoError(t, err)
	return svc, coupons, orders
}

func TestOrderService_PlaceGetCancel(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newOrderService(t)
	m := seedMedicine(t, 150)
	code := uniqueCode("ORD")
	require.NoError(t, coupons.Upsert(ctx, &coupon.Coupon{Code: code, DiscountPercent: decimal.NewFromInt(10), IsActive: true}))

	result, err := svc.PlaceOrder(ctx, order.PlaceOrderRequest{
		Items:      []order.LineRequest{{MedicineID: m.ID, Quantity: 3}},
		CouponCode: code,
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(450).Equal(got.Subtotal))
	assert.True(t, decimal.NewFromInt(45).Equal(got.Discount))
	assert.True(t, decimal.NewFromInt(445).Equal(got.Total))
	assert.Equal(t, code, got.CouponCode)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 3, got.Items[0].Quantity)

	cancelled, err := svc.Cancel(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, got.ID)
	require.ErrorIs(t, err, order.ErrStatusConflict)
	_, err = svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	c, err := coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
}

func TestOrderService_UnknownUserRollsBackRedeem(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newOrderService(t)
	m := seedMedicine(t, 100)
	code := uniqueCode("FK")
	require.NoError(t, coupons.Upsert(ctx, &coupon.Coupon{
		Code:            code,
		DiscountPercent: decimal.NewFromInt(10),
		UsageLimit:      intPtr(1),
		IsActive:        true,
	}))

	_, err := svc.PlaceOrder(ctx, order.PlaceOrderRequest{
		UserID:     "user-" + uuid.NewString(),
		Items:      []order.LineRequest{{MedicineID: m.ID, Quantity: 1}},
		CouponCode: code,
	})
	require.ErrorIs(t, err, order.ErrUnknownUser)

	c, err := coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedCount)
}

func TestOrderService_ConcurrentLastSlotWritesOneOrder(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newOrderService(t)
	m := seedMedicine(t, 100)
	code := uniqueCode("SLOT")
	require.NoError(t, coupons.Upsert(ctx, &coupon.Coupon{
		Code:            code,
		DiscountPercent: decimal.NewFromInt(20),
		UsageLimit:      intPtr(1),
		IsActive:        true,
	}))

	const workers = 8
	var (
		wg          sync.WaitGroup
		discounted  atomic.Int32
		unavailable atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.PlaceOrder(ctx, order.PlaceOrderRequest{
				Items:      []order.LineRequest{{MedicineID: m.ID, Quantity: 1}},
				CouponCode: code,
			})
			switch {
			case errors.Is(err, order.ErrCouponUnavailable):
				unavailable.Add(1)
			case err == nil && result.Order.CouponCode == code:
				discounted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), discounted.Load())

	var withCoupon int
	err := testPool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE coupon_code = $1`, code).Scan(&withCoupon)
	require.NoError(t, err)
	assert.Equal(t, 1, withCoupon)

	c, err := coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UsedCount)
}

type discardMail struct{}

func (discardMail) Enqueue(context.Context, notify.Message) bool { return true }

func TestUserRepository_ResetLifecycle(t *testing.T) {
	ctx := context.Background()
	users := NewUserRepository(testPool)
	hash, err := account.HashPassword("initial-pass", bcrypt.MinCost)
	require.NoError(t, err)

	u := &account.User{ID: uuid.NewString(), Email: "  Reset-" + uuid.NewString()[:6] + "@Example.com", PasswordHash: hash}
	require.NoError(t, users.Create(ctx, u))
	require.ErrorIs(t, users.Create(ctx, &account.User{ID: uuid.NewString(), Email: u.Email, PasswordHash: hash}), account.ErrEmailTaken)

	lc, err := recovery.New(users, discardMail{}, recovery.Config{TTL: time.Hour, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	found, err := users.FindByEmail(ctx, u.Email)
	require.NoError(t, err)
	raw, err := lc.Issue(ctx, found)
	require.NoError(t, err)

	const workers = 6
	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lc.ValidateAndConsume(ctx, raw, "fresh-pass") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())

	after, err := users.FindByEmail(ctx, u.Email)
	require.NoError(t, err)
	assert.Nil(t, after.ResetPasswordToken)
	assert.Nil(t, after.ResetPasswordExpires)
	assert.True(t, account.CheckPassword(after.PasswordHash, "fresh-pass"))
}

func TestUserRepository_ClearExpired(t *testing.T) {
	ctx := context.Background()
	users := NewUserRepository(testPool)
	u := &account.User{ID: uuid.NewString(), Email: "sweep-" + uuid.NewString()[:6] + "@example.com", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, u))

	past := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, users.SetResetToken(ctx, u.ID, recovery.HashToken(uuid.NewString()), past))

	n, err := users.ClearExpiredResetTokens(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := users.FindByEmail(ctx, u.Email)
	require.NoError(t, err)
	assert.Nil(t, got.ResetPasswordToken)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)
	pepper := []byte("pepper")
	key := &auth.APIKeyInfo{
		ID:      "test-" + uuid.NewString(),
		KeyHash: auth.HashKey(pepper, uuid.NewString()),
		Name:    "integration",
		Scopes:  []string{auth.ScopeManageCoupons},
	}
	require.NoError(t, repo.Upsert(ctx, key))

	got, err := repo.FindByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	assert.True(t, got.HasScope(auth.ScopeManageCoupons))

	_, err = repo.FindByHash(ctx, "nope")
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}
