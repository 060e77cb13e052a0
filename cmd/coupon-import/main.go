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

	"github.com/xenking/backoffice-pricing/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		opts        Options
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing the exported coupon shards")
	flag.StringVar(&pattern, "pattern", "*.ndjson.gz", "shard file name pattern")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.ExpectedCodes, "expected-codes", 1_000_000, "expected codes per shard, sizes the bloom filters")
	flag.IntVar(&opts.BatchSize, "batch-size", 500, "rules per database round trip")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "validate and report without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !opts.DryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, pattern, databaseURL, opts); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, dataDir, pattern, databaseURL string, opts Options) error {
	files, err := filepath.Glob(filepath.Join(dataDir, pattern))
	if err != nil {
		return errors.Wrap(err, "list shards")
	}
	if len(files) == 0 {
		return errors.Errorf("no shards matching %q in %s", pattern, dataDir)
	}
	slices.Sort(files)

	var w Writer = discard{}
	if !opts.DryRun {
		slog.Info("connecting to database")

		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		w = postgres.NewCouponRepository(pool)
	}

	report, err := Import(ctx, files, w, opts)
	if err != nil {
		return err
	}

	slog.Info("import report",
		slog.Int("shards", len(files)),
		slog.Int("read", report.Read),
		slog.Int("written", report.Written),
		slog.Int("invalid", report.Invalid),
		slog.Int("conflicts", len(report.Conflicts)),
	)
	for _, code := range report.Conflicts {
		slog.Warn("code defined in several shards, skipped", slog.String("code", code))
	}
	return nil
}
