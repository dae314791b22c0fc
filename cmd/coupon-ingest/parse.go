package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pharmacy-api/internal/domain/coupon"
)

// Column order of the coupon CSV files.
const (
	colCode = iota
	colPercent
	colMinOrder
	colMaxDiscount
	colUsageLimit
	colValidFrom
	colValidUntil
	colDescription
	numColumns
)

const dateLayout = "2006-01-02"

// row is a parsed coupon with its source position.
type row struct {
	coupon coupon.Coupon
	file   int
	line   int
}

// fileStats counts parse outcomes for one file.
type fileStats struct {
	rows     int
	rejected int
}

// parseRecord converts one CSV record into a validated coupon.
func parseRecord(rec []string) (coupon.Coupon, error) {
	if len(rec) < numColumns-1 {
		return coupon.Coupon{}, errors.Errorf("expected at least %d columns, got %d", numColumns-1, len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	c := coupon.Coupon{
		Code:        coupon.NormalizeCode(field(colCode)),
		Description: field(colDescription),
		IsActive:    true,
	}

	var err error
	if c.DiscountPercent, err = decimal.NewFromString(field(colPercent)); err != nil {
		return c, errors.Wrap(err, "percent")
	}
	if v := field(colMinOrder); v != "" {
		if c.MinOrderAmount, err = decimal.NewFromString(v); err != nil {
			return c, errors.Wrap(err, "min_order")
		}
	}
	if v := field(colMaxDiscount); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return c, errors.Wrap(err, "max_discount")
		}
		c.MaxDiscount = decimal.NewNullDecimal(d)
	}
	if v := field(colUsageLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, errors.Wrap(err, "usage_limit")
		}
		c.UsageLimit = &n
	}
	if c.ValidFrom, err = parseBound(field(colValidFrom), false); err != nil {
		return c, errors.Wrap(err, "valid_from")
	}
	if c.ValidUntil, err = parseBound(field(colValidUntil), true); err != nil {
		return c, errors.Wrap(err, "valid_until")
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day, up to the last microsecond that
// TIMESTAMPTZ can store.
func parseBound(v string, upper bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, errors.Errorf("unrecognized time %q", v)
	}
	if upper {
		t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &t, nil
}

// readCSV parses coupon records from r. A leading header row is skipped and
// invalid rows are logged and counted rather than aborting the file.
func readCSV(ctx context.Context, r io.Reader, fileIdx int, name string) ([]row, fileStats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var (
		rows  []row
		stats fileStats
		line  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, stats, errors.Wrapf(err, "%s: line %d", name, line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}

		c, err := parseRecord(rec)
		if err != nil {
			stats.rejected++
			slog.Warn("skipping invalid row",
				slog.String("file", name),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}
		rows = append(rows, row{coupon: c, file: fileIdx, line: line})
		stats.rows++
	}
	return rows, stats, nil
}

// readGzipFile parses one gzip-compressed CSV file.
func readGzipFile(ctx context.Context, path string, fileIdx int) ([]row, fileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileStats{}, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, fileStats{}, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return readCSV(ctx, gz, fileIdx, path)
}

// parseFiles reads all files concurrently and returns their rows in file
// order.
func parseFiles(ctx context.Context, files []string) ([]row, error) {
	results := make([][]row, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			rows, stats, err := readGzipFile(ctx, path, i)
			if err != nil {
				return err
			}
			slog.Info("parsed file",
				slog.String("file", path),
				slog.Int("rows", stats.rows),
				slog.Int("rejected", stats.rejected),
			)
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []row
	for _, rows := range results {
		all = append(all, rows...)
	}
	return all, nil
}

// dedupe keeps the last occurrence of every code, in order of that last
// occurrence. rows must be in file then line order.
func dedupe(rows []row) []coupon.Coupon {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.coupon.Code] = i
	}
	out := make([]coupon.Coupon, 0, len(last))
	for i, r := range rows {
		if last[r.coupon.Code] == i {
			out = append(out, r.coupon)
		}
	}
	return out
}

// existingCodes builds a bloom filter over codes already stored.
func existingCodes(codes []string, fpr float64) *bloom.BloomFilter {
	n := uint(len(codes))
	if n < 1000 {
		n = 1000
	}
	f := bloom.NewWithEstimates(n, fpr)
	for _, c := range codes {
		f.AddString(c)
	}
	return f
}

// partition splits coupons into codes that are definitely new and codes that
// may already exist. Only the latter need an upsert.
func partition(coupons []coupon.Coupon, existing *bloom.BloomFilter) (fresh, maybe []coupon.Coupon) {
	for _, c := range coupons {
		if existing.TestString(c.Code) {
			maybe = append(maybe, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	return fresh, maybe
}
