// Command coupon-ingest bulk-imports coupon definitions from gzip-compressed
// CSV files.
//
// Files are parsed in parallel. Codes are checked against a bloom filter of
// the codes already stored: definitely-new codes are written with COPY, the
// rest are upserted. When a code appears more than once, the last occurrence
// (by file name, then line) wins.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/go-faster/errors"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/storage/postgres"
)

const (
	bloomFPR  = 0.001
	batchSize = 5_000
)

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		dryRun      bool
	)
	flag.StringVar(&dataDir, "data-dir", "data", "directory containing coupon CSV files")
	flag.StringVar(&pattern, "pattern", "*.csv.gz", "glob of files to import inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and report without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, pattern, databaseURL, dryRun); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, dataDir, pattern, databaseURL string, dryRun bool) error {
	files, err := filepath.Glob(filepath.Join(dataDir, pattern))
	if err != nil {
		return errors.Wrap(err, "glob input files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s in %s", pattern, dataDir)
	}
	slices.Sort(files)

	slog.Info("parsing files", slog.Int("files", len(files)))
	rows, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse files")
	}
	coupons := dedupe(rows)
	slog.Info("parsed coupons", slog.Int("rows", len(rows)), slog.Int("unique", len(coupons)))

	if dryRun || len(coupons) == 0 {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewCouponRepository(pool)
	stored, err := repo.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list existing codes")
	}
	fresh, maybe := partition(coupons, existingCodes(stored, bloomFPR))
	slog.Info("partitioned coupons",
		slog.Int("existing", len(stored)),
		slog.Int("new", len(fresh)),
		slog.Int("upsert", len(maybe)),
	)

	return postgres.NewTxManager(pool).InTx(ctx, func(ctx context.Context) error {
		return write(ctx, repo, fresh, maybe)
	})
}

// couponWriter is the storage used by write.
type couponWriter interface {
	BulkInsert(ctx context.Context, coupons []coupon.Coupon) (int64, error)
	Upsert(ctx context.Context, c *coupon.Coupon) error
}

func write(ctx context.Context, w couponWriter, fresh, maybe []coupon.Coupon) error {
	var copied int64
	for batch := range slices.Chunk(fresh, batchSize) {
		n, err := w.BulkInsert(ctx, batch)
		if err != nil {
			return errors.Wrap(err, "bulk insert")
		}
		copied += n
		slog.Info("copy progress", slog.Int64("written", copied), slog.Int("total", len(fresh)))
	}

	for i := range maybe {
		if err := w.Upsert(ctx, &maybe[i]); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", maybe[i].Code)
		}
		if (i+1)%1000 == 0 || i+1 == len(maybe) {
			slog.Info("upsert progress", slog.Int("written", i+1), slog.Int("total", len(maybe)))
		}
	}
	return nil
}
