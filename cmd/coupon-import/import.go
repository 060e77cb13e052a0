package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math/bits"
	"os"
	"slices"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/backoffice-pricing/internal/domain/coupon"
)

const (
	bloomFPR     = 0.001
	maxLineBytes = 1 << 20
)

// maxShards is bounded by the width of the shard bitmask.
const maxShards = bits.UintSize

// Writer persists validated rules.
type Writer interface {
	UpsertBatch(ctx context.Context, rules []*coupon.Rule) error
}

type discard struct{}

func (discard) UpsertBatch(context.Context, []*coupon.Rule) error { return nil }

// Options tunes Import.
type Options struct {
	ExpectedCodes uint
	BatchSize     int
	DryRun        bool
}

func (o *Options) setDefaults() {
	if o.ExpectedCodes == 0 {
		o.ExpectedCodes = 1_000_000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
}

// Report summarizes an import run.
type Report struct {
	Read    int
	Written int
	Invalid int
	// Conflicts are codes defined in more than one shard, sorted.
	Conflicts []string
}

// Import loads coupon definitions from gzipped NDJSON shards.
//
// Pass 1 builds a bloom filter of codes per shard. Pass 2 finds the codes
// seen in a shard and present in another shard's filter, then keeps those
// confirmed in at least two shards: these are authoring conflicts and are
// skipped. Pass 3 validates the remaining definitions and writes them in
// batches. Quota counters are never touched.
func Import(ctx context.Context, files []string, w Writer, opts Options) (*Report, error) {
	if len(files) > maxShards {
		return nil, errors.Errorf("too many shards: %d > %d", len(files), maxShards)
	}
	opts.setDefaults()

	slog.Info("pass 1: building bloom filters", slog.Int("shards", len(files)))
	filters, err := buildBloomFilters(ctx, files, opts.ExpectedCodes)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: finding codes shared between shards")
	conflicts, err := findConflicts(ctx, files, filters)
	if err != nil {
		return nil, errors.Wrap(err, "find conflicts")
	}

	slog.Info("pass 3: writing rules", slog.Int("conflicts", len(conflicts)))
	var read, written, invalid atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			return writeShard(gctx, i, path, conflicts, w, opts.BatchSize, &read, &written, &invalid)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	codes := lo.Keys(conflicts)
	slices.Sort(codes)
	return &Report{
		Read:      int(read.Load()),
		Written:   int(written.Load()),
		Invalid:   int(invalid.Load()),
		Conflicts: codes,
	}, nil
}

// buildBloomFilters creates one bloom filter per shard, concurrently.
func buildBloomFilters(ctx context.Context, files []string, expected uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(expected, bloomFPR)
			var count uint64
			err := streamShard(ctx, path, func(_ int, line []byte) {
				code, err := codeOf(line)
				if err != nil {
					return
				}
				filter.AddString(code)
				count++
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for shard %d", i+1)
			}
			slog.Info("pass 1 complete", slog.Int("shard", i+1), slog.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findConflicts returns the codes present in two or more shards. Bloom
// false positives are dropped by requiring the code to be seen in each shard
// whose bit is set.
func findConflicts(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]struct{}, error) {
	results := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint)
			shardBit := uint(1) << uint(i)
			err := streamShard(ctx, path, func(_ int, line []byte) {
				code, err := codeOf(line)
				if err != nil {
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						candidates[code] |= shardBit
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan shard %d", i+1)
			}
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}
	conflicts := make(map[string]struct{})
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			conflicts[code] = struct{}{}
		}
	}
	return conflicts, nil
}

func writeShard(
	ctx context.Context,
	idx int,
	path string,
	conflicts map[string]struct{},
	w Writer,
	batchSize int,
	read, written, invalid *atomic.Int64,
) error {
	batch := make([]*coupon.Rule, 0, batchSize)
	shardWritten := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		written.Add(int64(len(batch)))
		shardWritten += len(batch)
		batch = make([]*coupon.Rule, 0, batchSize)
		return nil
	}

	var flushErr error
	err := streamShard(ctx, path, func(lineNo int, line []byte) {
		if flushErr != nil {
			return
		}
		read.Add(1)

		var def coupon.Definition
		if err := json.Unmarshal(line, &def); err != nil {
			invalid.Add(1)
			slog.Warn("malformed definition", slog.Int("shard", idx+1), slog.Int("line", lineNo), slog.String("error", err.Error()))
			return
		}
		if _, ok := conflicts[coupon.NormalizeCode(def.Code)]; ok {
			return
		}
		rule, err := def.Rule()
		if err != nil {
			invalid.Add(1)
			slog.Warn("invalid definition", slog.Int("shard", idx+1), slog.Int("line", lineNo), slog.String("error", err.Error()))
			return
		}
		batch = append(batch, rule)
		if len(batch) == batchSize {
			flushErr = flush()
		}
	})
	if err == nil {
		err = flushErr
	}
	if err == nil {
		err = flush()
	}
	if err != nil {
		return errors.Wrapf(err, "write shard %d", idx+1)
	}
	slog.Info("pass 3 complete", slog.Int("shard", idx+1), slog.Int("written", shardWritten))
	return nil
}

// codeOf extracts the normalized code of a definition without decoding the
// rest of the line.
func codeOf(line []byte) (string, error) {
	var code string
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "code" {
			return d.Skip()
		}
		v, err := d.Str()
		code = v
		return err
	})
	if err != nil {
		return "", err
	}
	code = coupon.NormalizeCode(code)
	if code == "" {
		return "", errors.New("empty code")
	}
	return code, nil
}

// streamShard opens a gzipped NDJSON shard and calls fn for every non-empty
// line with its 1-based number.
func streamShard(ctx context.Context, path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		fn(lineNo, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
