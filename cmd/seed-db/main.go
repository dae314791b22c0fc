// Command seed-db applies the schema and loads demo data: the medicine
// catalog, a few coupons, a demo customer and an admin API key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/pharmacy-api/db"
	"github.com/xenking/pharmacy-api/internal/domain/account"
	"github.com/xenking/pharmacy-api/internal/domain/auth"
	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/storage/postgres"
)

type medicineJSON struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	Category             string          `json:"category"`
	Manufacturer         string          `json:"manufacturer"`
	RequiresPrescription bool            `json:"requiresPrescription"`
}

type options struct {
	databaseURL   string
	medicinesFile string
	apiKey        string
	apiKeyPepper  string
	userEmail     string
	userPassword  string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.medicinesFile, "medicines-file", "", "path to medicines JSON file (embedded demo catalog when empty)")
	flag.StringVar(&opts.apiKey, "api-key", "", "admin API key to seed (or PHARMACY_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PHARMACY_API_KEY_PEPPER env)")
	flag.StringVar(&opts.userEmail, "user-email", "demo@pharmacy.local", "demo customer email")
	flag.StringVar(&opts.userPassword, "user-password", "demo1234", "demo customer password")
	flag.Parse()

	opts.databaseURL = orEnv(opts.databaseURL, "DATABASE_URL")
	opts.apiKey = orEnv(opts.apiKey, "PHARMACY_SEED_API_KEY")
	opts.apiKeyPepper = orEnv(opts.apiKeyPepper, "PHARMACY_API_KEY_PEPPER")

	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		slog.Error("API key is required: set --api-key or PHARMACY_SEED_API_KEY")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func orEnv(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedMedicines(ctx, postgres.NewMedicineRepository(pool), opts.medicinesFile); err != nil {
		return errors.Wrap(err, "seed medicines")
	}
	if err := seedCoupons(ctx, coupon.NewEngine(postgres.NewCouponRepository(pool)), time.Now()); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if err := seedUser(ctx, postgres.NewUserRepository(pool), opts.userEmail, opts.userPassword); err != nil {
		return errors.Wrap(err, "seed user")
	}
	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), opts.apiKey, opts.apiKeyPepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func loadMedicines(path string) ([]medicine.Medicine, error) {
	if path == "" {
		return parseMedicines(db.Medicines)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read medicines file")
	}
	return parseMedicines(data)
}

func parseMedicines(data []byte) ([]medicine.Medicine, error) {
	var raw []medicineJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse medicines JSON")
	}

	out := make([]medicine.Medicine, 0, len(raw))
	for _, m := range raw {
		if m.ID == "" || m.Name == "" {
			return nil, errors.Errorf("medicine entry %q: id and name are required", m.ID)
		}
		if m.Price.IsNegative() {
			return nil, errors.Errorf("medicine %s: negative price", m.ID)
		}
		out = append(out, medicine.Medicine(m))
	}
	return out, nil
}

func seedMedicines(ctx context.Context, repo *postgres.MedicineRepository, path string) error {
	slog.Info("loading medicines", slog.String("path", path))
	list, err := loadMedicines(path)
	if err != nil {
		return err
	}

	slog.Info("upserting medicines", slog.Int("count", len(list)))
	for i := range list {
		if err := repo.Upsert(ctx, &list[i]); err != nil {
			return errors.Wrapf(err, "upsert medicine %s", list[i].ID)
		}
		slog.Info("upserted medicine", slog.String("id", list[i].ID), slog.String("name", list[i].Name))
	}
	return nil
}

// demoCoupons returns the coupons loaded for local development. Windows are
// relative to now so the demo data stays usable.
func demoCoupons(now time.Time) []coupon.Coupon {
	ptr := func(t time.Time) *time.Time { return &t }
	limit := func(n int) *int { return &n }
	start := now.Add(-24 * time.Hour).Truncate(time.Hour)

	return []coupon.Coupon{
		{
			Code:            "WELCOME10",
			Description:     "10% off your first order above 200",
			DiscountPercent: decimal.NewFromInt(10),
			MinOrderAmount:  decimal.NewFromInt(200),
			MaxDiscount:     decimal.NewNullDecimal(decimal.NewFromInt(100)),
			IsActive:        true,
		},
		{
			Code:            "HEALTH20",
			Description:     "20% off orders above 500, first 100 customers",
			DiscountPercent: decimal.NewFromInt(20),
			MinOrderAmount:  decimal.NewFromInt(500),
			ValidFrom:       ptr(start),
			ValidUntil:      ptr(start.AddDate(0, 1, 0)),
			UsageLimit:      limit(100),
			IsActive:        true,
		},
		{
			Code:            "FLASH50",
			Description:     "50% off, single use",
			DiscountPercent: decimal.NewFromInt(50),
			MaxDiscount:     decimal.NewNullDecimal(decimal.NewFromInt(250)),
			UsageLimit:      limit(1),
			IsActive:        true,
		},
		{
			Code:            "MONSOON15",
			Description:     "Expired seasonal offer",
			DiscountPercent: decimal.NewFromInt(15),
			ValidFrom:       ptr(start.AddDate(0, -3, 0)),
			ValidUntil:      ptr(start.AddDate(0, -1, 0)),
			IsActive:        true,
		},
	}
}

func seedCoupons(ctx context.Context, engine *coupon.Engine, now time.Time) error {
	slog.Info("seeding demo coupons")
	for _, c := range demoCoupons(now) {
		if err := engine.Save(ctx, &c); err != nil {
			return errors.Wrapf(err, "save coupon %s", c.Code)
		}
		slog.Info("upserted coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}
	return nil
}

func seedUser(ctx context.Context, repo *postgres.UserRepository, email, password string) error {
	slog.Info("seeding demo user", slog.String("email", email))

	if _, err := repo.FindByEmail(ctx, email); err == nil {
		slog.Info("demo user already exists", slog.String("email", email))
		return nil
	} else if !errors.Is(err, account.ErrNotFound) {
		return errors.Wrap(err, "find user")
	}

	hash, err := account.HashPassword(password, 0)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	u := &account.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Demo Customer",
		PasswordHash: hash,
	}
	if err := repo.Create(ctx, u); err != nil && !errors.Is(err, account.ErrEmailTaken) {
		return errors.Wrap(err, "create user")
	}
	slog.Info("created demo user", slog.String("id", u.ID))
	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	info := &auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Coupon administration",
		Scopes:  []string{auth.ScopeManageCoupons},
	}
	if err := repo.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert admin API key")
	}
	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))
	return nil
}
