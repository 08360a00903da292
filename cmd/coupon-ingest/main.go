// Command coupon-ingest bulk-loads coupons from gzip-compressed CSV files.
//
// The first pass reads all files in parallel and builds one bloom filter per
// file. The second pass reads them again in argument order and upserts each
// code's first occurrence; later duplicates are skipped.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// upsertCouponSQL keeps the existing id of a code and overwrites its rules.
const upsertCouponSQL = `INSERT INTO coupons (id, code, kind, value, minimum_purchase, maximum_discount,
		usage_limit, valid_from, valid_until, active, scope, scope_id, visibility, type, description)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT ((upper(code))) DO UPDATE SET
		kind = EXCLUDED.kind, value = EXCLUDED.value,
		minimum_purchase = EXCLUDED.minimum_purchase, maximum_discount = EXCLUDED.maximum_discount,
		usage_limit = EXCLUDED.usage_limit, valid_from = EXCLUDED.valid_from,
		valid_until = EXCLUDED.valid_until, active = EXCLUDED.active, scope = EXCLUDED.scope,
		scope_id = EXCLUDED.scope_id, visibility = EXCLUDED.visibility, type = EXCLUDED.type,
		description = EXCLUDED.description`

type options struct {
	databaseURL string
	expected    uint
	batchSize   int
	dryRun      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.expected, "expected-rows", 1_000_000, "expected rows per file, sizes the bloom filters")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "coupons per transaction")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "validate and deduplicate without writing")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	files := flag.Args()
	if len(files) == 0 {
		lg.Fatal("Usage: coupon-ingest [flags] file.csv.gz...")
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	if err := run(ctx, lg, files, opts); err != nil {
		lg.Fatal("Coupon ingest failed", zap.Error(err))
	}
	lg.Info("Coupon ingest completed", zap.Duration("duration", time.Since(start)))
}

func run(ctx context.Context, lg *zap.Logger, files []string, opts options) error {
	lg.Info("Pass 1: indexing files", zap.Int("files", len(files)))
	indexes, err := indexFiles(ctx, lg, files, opts.expected)
	if err != nil {
		return errors.Wrap(err, "index files")
	}

	sink := func(context.Context, []coupon.Coupon) error { return nil }
	if !opts.dryRun {
		pool, err := postgres.NewPool(ctx, opts.databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		sink = func(ctx context.Context, batch []coupon.Coupon) error {
			return writeBatch(ctx, pool, batch)
		}
	}

	lg.Info("Pass 2: writing first occurrences")
	written, skipped, err := load(ctx, lg, files, indexes, opts.batchSize, sink)
	if err != nil {
		return err
	}
	lg.Info("Coupons loaded",
		zap.Int("written", written),
		zap.Int("duplicates", skipped),
		zap.Bool("dry_run", opts.dryRun),
	)
	return nil
}

// indexFiles runs the first pass over every file concurrently.
func indexFiles(ctx context.Context, lg *zap.Logger, files []string, expected uint) ([]*fileIndex, error) {
	indexes := make([]*fileIndex, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			idx := newFileIndex(expected, bloomFPR)
			flg := lg.With(zap.String("file", path))
			err := scanFile(ctx, path, func(c coupon.Coupon) error {
				idx.add(c.Code)
				if idx.rows%progressEvery == 0 {
					flg.Info("Indexing", zap.Int("rows", idx.rows))
				}
				return nil
			}, func(e *rowError) {
				idx.rejected++
				flg.Warn("Rejected row", zap.Int("line", e.Line), zap.Error(e.Err))
			})
			if err != nil {
				return errors.Wrapf(err, "index %s", path)
			}
			flg.Info("Indexed",
				zap.Int("rows", idx.rows),
				zap.Int("rejected", idx.rejected),
				zap.Int("repeated", len(idx.repeated)),
			)
			indexes[i] = idx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return indexes, nil
}

// load runs the second pass and hands batches of first occurrences to sink.
func load(
	ctx context.Context,
	lg *zap.Logger,
	files []string,
	indexes []*fileIndex,
	batchSize int,
	sink func(context.Context, []coupon.Coupon) error,
) (written, skipped int, _ error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	dedup := newDeduper(indexes)
	batch := make([]coupon.Coupon, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(ctx, batch); err != nil {
			return errors.Wrap(err, "write batch")
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for i, path := range files {
		err := scanFile(ctx, path, func(c coupon.Coupon) error {
			if !dedup.accept(i, c.Code) {
				skipped++
				return nil
			}
			batch = append(batch, c)
			if len(batch) < batchSize {
				return nil
			}
			if err := flush(); err != nil {
				return err
			}
			if written%progressEvery < batchSize {
				lg.Info("Writing", zap.Int("written", written))
			}
			return nil
		}, func(*rowError) {})
		if err != nil {
			return written, skipped, errors.Wrapf(err, "load %s", path)
		}
	}
	return written, skipped, flush()
}

func writeBatch(ctx context.Context, pool *pgxpool.Pool, coupons []coupon.Coupon) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, c := range coupons {
			b.Queue(upsertCouponSQL,
				uuid.NewString(), c.Code, string(c.Kind), c.Value, c.MinimumPurchase, c.MaximumDiscount,
				c.UsageLimit, c.ValidFrom, c.ValidUntil, c.Active, string(c.Scope), c.ScopeID,
				string(c.Visibility), string(c.Type), c.Description,
			)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}
