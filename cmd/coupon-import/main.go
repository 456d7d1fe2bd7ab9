// Command coupon-import bulk-loads coupon campaigns from CSV files, plain or
// gzip-compressed.
//
// Each record is
//
//	code,name,discount_type,discount_value,minimum_order_amount,maximum_discount_amount,usage_limit,valid_until
//
// where everything after discount_value may be empty. A code that appears in
// more than one file is a conflict between campaigns and is skipped; within a
// file the last record for a code wins.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
	"github.com/xenking/kastoma-checkout/internal/repository"
)

const (
	bloomFPR      = 0.001
	maxFiles      = 64
	progressEvery = 100_000
)

func main() {
	var (
		databaseURL string
		expected    uint
		workers     int
		dryRun      bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected number of codes per file, sizes the bloom filters")
	flag.IntVar(&workers, "workers", 4, "concurrent database writers")
	flag.BoolVar(&dryRun, "dry-run", false, "validate files and report conflicts without writing")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		slog.Error("usage: coupon-import [flags] file.csv[.gz]...")
		os.Exit(2)
	}
	if len(files) > maxFiles {
		slog.Error("too many input files", slog.Int("max", maxFiles))
		os.Exit(2)
	}

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, files, databaseURL, expected, workers, dryRun); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, files []string, databaseURL string, expected uint, workers int, dryRun bool) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	conflicts := map[string]struct{}{}
	if len(files) > 1 {
		slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
		filters, err := buildFilters(ctx, files, expected)
		if err != nil {
			return errors.Wrap(err, "build bloom filters")
		}

		slog.Info("pass 2: finding codes shared between files")
		if conflicts, err = findConflicts(ctx, files, filters); err != nil {
			return errors.Wrap(err, "find conflicts")
		}
		for code := range conflicts {
			slog.Warn("code appears in several files, skipping", slog.String("code", code))
		}
	}

	var store coupon.Repository = discard{}
	if !dryRun {
		slog.Info("connecting to database")
		pool, err := repository.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if err := repository.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		store = repository.NewCouponRepository(pool)
	}

	slog.Info("pass 3: writing coupons", slog.Bool("dry_run", dryRun))
	written, err := writeCoupons(ctx, files, conflicts, store, workers)
	if err != nil {
		return errors.Wrap(err, "write coupons")
	}
	slog.Info("coupons written", slog.Int64("count", written), slog.Int("conflicts", len(conflicts)))
	return nil
}

// buildFilters creates one bloom filter per file, concurrently.
func buildFilters(ctx context.Context, files []string, expected uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(expected, bloomFPR)
			var count uint64
			err := streamRecords(ctx, path, func(line int, fields []string) error {
				filter.AddString(normalizeCode(fields[0]))
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", count))
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "filter %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findConflicts returns the codes present in two or more files. Each file
// only records codes that another file's filter may contain, so a bloom
// false positive sets a single bit and is discarded by the merge.
func findConflicts(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	found := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			bit := uint64(1) << uint(i)
			err := streamRecords(ctx, path, func(_ int, fields []string) error {
				code := normalizeCode(fields[0])
				for j, f := range filters {
					if j != i && f.TestString(code) {
						candidates[code] |= bit
						break
					}
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			found[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, candidates := range found {
		for code, mask := range candidates {
			merged[code] |= mask
		}
	}
	conflicts := make(map[string]struct{})
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= 2 {
			conflicts[code] = struct{}{}
		}
	}
	return conflicts, nil
}

// writeCoupons parses every file and upserts the non-conflicting coupons
// with at most workers concurrent writes.
func writeCoupons(
	ctx context.Context,
	files []string,
	conflicts map[string]struct{},
	store coupon.Repository,
	workers int,
) (int64, error) {
	var written int64
	counts := make([]int64, len(files))
	now := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, path := range files {
		g.Go(func() error {
			return streamRecords(ctx, path, func(line int, fields []string) error {
				c, err := parseRecord(fields, now)
				if err != nil {
					return errors.Wrapf(err, "%s:%d", path, line)
				}
				if _, skip := conflicts[c.Code]; skip {
					return nil
				}
				if err := store.Upsert(ctx, &c); err != nil {
					return errors.Wrapf(err, "upsert %s", c.Code)
				}
				counts[i]++
				if counts[i]%progressEvery == 0 {
					slog.Info("write progress", slog.String("file", path), slog.Int64("written", counts[i]))
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range counts {
		written += n
	}
	return written, nil
}

// discard is the dry-run coupon store.
type discard struct{}

func (discard) FindByCode(context.Context, string) (*coupon.Coupon, error) {
	return nil, coupon.ErrNotFound
}

func (discard) Upsert(context.Context, *coupon.Coupon) error { return nil }
