// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/kvserver"
	"github.com/eyakubovich/etcd/pkg/util/humanizeutil"
	"github.com/eyakubovich/etcd/pkg/util/metric"
	"github.com/eyakubovich/etcd/pkg/util/randutil"
	"github.com/eyakubovich/etcd/pkg/util/syncutil"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// latencyWindow is the number of recent operations the reported
// per-class latency averages over.
const latencyWindow = 512

type benchConfig struct {
	workers      int
	ops          int64
	keySpace     int64
	valueSize    int64
	readPercent  int
	reportEvery  time.Duration
	compactEvery time.Duration
	dumpMetrics  bool
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		workers:     32,
		ops:         100000,
		keySpace:    10000,
		valueSize:   256,
		readPercent: 50,
		reportEvery: time.Second,
	}
}

func makeBenchCommand() *cobra.Command {
	config := defaultBenchConfig()
	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		b, err := newBench(config)
		if err != nil {
			return err
		}
		return b.run(context.Background())
	}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a concurrent read/write load against an embedded core",
		Long: `Drive a concurrent read/write load against an embedded core.

A worker pool applies point reads and puts over a bounded key space and
reports throughput, per-class latencies averaged over recent operations,
and the volume of data written. The core starts empty and is discarded
when the run ends.`,
		Args: cobra.NoArgs,
		RunE: runCmdFunc,
	}
	cmd.Flags().IntVar(&config.workers, "workers", config.workers,
		"number of concurrent workers")
	cmd.Flags().Int64Var(&config.ops, "ops", config.ops,
		"total number of operations to run")
	cmd.Flags().Int64Var(&config.keySpace, "keys", config.keySpace,
		"number of distinct keys to spread operations over")
	cmd.Flags().Var(humanizeutil.NewBytesValue(&config.valueSize), "value-size",
		"size of written values")
	cmd.Flags().IntVar(&config.readPercent, "read-percent", config.readPercent,
		"percent of operations that are reads")
	cmd.Flags().DurationVar(&config.reportEvery, "report-every", config.reportEvery,
		"interval between progress reports")
	cmd.Flags().DurationVar(&config.compactEvery, "compact-every", config.compactEvery,
		"interval between history compactions; 0 disables them")
	cmd.Flags().BoolVar(&config.dumpMetrics, "metrics", config.dumpMetrics,
		"dump metrics in Prometheus text format after the run")
	return cmd
}

// bench drives the load: one generator goroutine feeds operations to a
// worker pool, a reporter prints periodic progress, and an optional
// compactor prunes history while the load runs.
type bench struct {
	cfg benchConfig

	reads   int64 // completed reads, updated atomically
	writes  int64 // completed writes, updated atomically
	written int64 // value bytes written, updated atomically
	failed  int64 // failed operations, updated atomically

	mu struct {
		syncutil.Mutex
		firstErr     error
		readLatency  *movingaverage.MovingAverage
		writeLatency *movingaverage.MovingAverage
	}

	// done closes when every operation has completed.
	done chan struct{}
}

func newBench(cfg benchConfig) (*bench, error) {
	if cfg.workers <= 0 {
		return nil, errors.Newf("workers must be positive, got %d", cfg.workers)
	}
	if cfg.ops <= 0 {
		return nil, errors.Newf("ops must be positive, got %d", cfg.ops)
	}
	if cfg.keySpace <= 0 {
		return nil, errors.Newf("keys must be positive, got %d", cfg.keySpace)
	}
	if cfg.valueSize <= 0 {
		return nil, errors.Newf("value-size must be positive, got %d", cfg.valueSize)
	}
	if cfg.readPercent < 0 || cfg.readPercent > 100 {
		return nil, errors.Newf("read-percent must be in [0, 100], got %d", cfg.readPercent)
	}
	b := &bench{cfg: cfg, done: make(chan struct{})}
	b.mu.readLatency = movingaverage.New(latencyWindow)
	b.mu.writeLatency = movingaverage.New(latencyWindow)
	return b, nil
}

func (b *bench) run(ctx context.Context) error {
	c, err := startCore(0)
	if err != nil {
		return err
	}
	defer c.stop(ctx)

	pool, err := ants.NewPool(b.cfg.workers, ants.WithPreAlloc(true))
	if err != nil {
		return err
	}
	defer pool.Release()

	fmt.Printf("running %s ops over %s keys with %d workers (%d%% reads, %s values)\n",
		humanize.Comma(b.cfg.ops), humanize.Comma(b.cfg.keySpace), b.cfg.workers,
		b.cfg.readPercent, humanizeutil.IBytes(b.cfg.valueSize))

	start := timeutil.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(b.done)
		return b.generate(ctx, c.srv, pool)
	})
	g.Go(func() error {
		return b.report(ctx, start)
	})
	if b.cfg.compactEvery > 0 {
		g.Go(func() error {
			return b.compact(ctx, c.srv)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.summarize(timeutil.Since(start), c.srv.Index())

	if b.cfg.dumpMetrics {
		exporter := metric.MakePrometheusExporter()
		if err := exporter.ScrapeAndPrintAsText(os.Stdout, c.registry); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.firstErr != nil {
		return errors.Wrapf(b.mu.firstErr, "%d operations failed; first failure",
			atomic.LoadInt64(&b.failed))
	}
	return nil
}

// generate builds operations on a single goroutine, where the pseudo-
// random source is safe to use, and hands them to the pool. Submit
// blocks when every worker is busy, so a slow store throttles the
// generator instead of queueing unboundedly.
func (b *bench) generate(ctx context.Context, srv *kvserver.Server, pool *ants.Pool) error {
	rng, seed := randutil.NewPseudoRand()
	fmt.Printf("generator seed %d\n", seed)

	var wg sync.WaitGroup
	defer wg.Wait()
	for i := int64(0); i < b.cfg.ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("key-%08d", rng.Int63n(b.cfg.keySpace)))
		isRead := rng.Intn(100) < b.cfg.readPercent
		var value []byte
		if !isRead {
			value = randutil.RandBytes(rng, int(b.cfg.valueSize))
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			b.doOp(ctx, srv, key, value, isRead)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			return err
		}
	}
	return nil
}

func (b *bench) doOp(
	ctx context.Context, srv *kvserver.Server, key, value []byte, isRead bool,
) {
	begin := timeutil.Now()
	var err error
	if isRead {
		_, err = srv.Range(ctx, &kvpb.RangeRequest{Key: key})
	} else {
		_, err = srv.Put(ctx, &kvpb.PutRequest{Key: key, Value: value})
	}
	elapsed := timeutil.Since(begin)

	if err != nil {
		atomic.AddInt64(&b.failed, 1)
		b.mu.Lock()
		if b.mu.firstErr == nil {
			b.mu.firstErr = err
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	if isRead {
		b.mu.readLatency.Add(float64(elapsed.Nanoseconds()))
	} else {
		b.mu.writeLatency.Add(float64(elapsed.Nanoseconds()))
	}
	b.mu.Unlock()
	if isRead {
		atomic.AddInt64(&b.reads, 1)
	} else {
		atomic.AddInt64(&b.writes, 1)
		atomic.AddInt64(&b.written, int64(len(value)))
	}
}

func (b *bench) report(ctx context.Context, start time.Time) error {
	ticker := time.NewTicker(b.cfg.reportEvery)
	defer ticker.Stop()

	fmt.Printf("%8s %12s %10s %10s %10s %10s\n",
		"elapsed", "ops(total)", "ops/sec", "avg-read", "avg-write", "written")
	var lastOps int64
	lastTick := start
	for {
		select {
		case <-ticker.C:
			now := timeutil.Now()
			total := atomic.LoadInt64(&b.reads) + atomic.LoadInt64(&b.writes)
			rate := float64(total-lastOps) / now.Sub(lastTick).Seconds()
			readLat, writeLat := b.latencies()
			fmt.Printf("%8s %12s %10s %10s %10s %10s\n",
				timeutil.Since(start).Round(time.Second),
				humanize.Comma(total),
				humanize.Comma(int64(rate)),
				humanizeutil.Duration(readLat),
				humanizeutil.Duration(writeLat),
				humanizeutil.IBytes(atomic.LoadInt64(&b.written)))
			lastOps, lastTick = total, now
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// compact periodically prunes history below the then-current index. A
// tick with no intervening mutations reports the floor as already
// compacted, which is not a failure.
func (b *bench) compact(ctx context.Context, srv *kvserver.Server) error {
	ticker := time.NewTicker(b.cfg.compactEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idx := srv.Index()
			if idx == 0 {
				continue
			}
			if _, err := srv.Compact(ctx, &kvpb.CompactRequest{Index: idx}); err != nil &&
				!kvpb.IsCompacted(err) {
				return err
			}
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *bench) latencies() (read, write time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.mu.readLatency.Avg()), time.Duration(b.mu.writeLatency.Avg())
}

func (b *bench) summarize(elapsed time.Duration, finalIndex int64) {
	reads := atomic.LoadInt64(&b.reads)
	writes := atomic.LoadInt64(&b.writes)
	total := reads + writes
	rate := int64(0)
	if elapsed > 0 {
		rate = int64(float64(total) / elapsed.Seconds())
	}
	readLat, writeLat := b.latencies()
	fmt.Printf("\nran %s ops (%s reads, %s writes) in %s: %s ops/sec\n",
		humanize.Comma(total), humanize.Comma(reads), humanize.Comma(writes),
		elapsed.Round(time.Millisecond), humanize.Comma(rate))
	fmt.Printf("wrote %s; final index %s; avg read %s, avg write %s (last %d ops each)\n",
		humanizeutil.IBytes(atomic.LoadInt64(&b.written)),
		humanize.Comma(finalIndex),
		humanizeutil.Duration(readLat), humanizeutil.Duration(writeLat),
		latencyWindow)
}
