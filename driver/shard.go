package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Range is a half-open index range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of indices in r.
func (r Range) Len() int {
	return r.End - r.Start
}

// SplitRange divides [start, end) into at most workers contiguous ranges
// whose sizes differ by at most one, larger ranges first. It uses no more
// workers than there are indices.
func SplitRange(start, end, workers int) []Range {
	total := end - start
	if total <= 0 || workers <= 0 {
		return nil
	}
	workers = min(workers, total)
	base, extra := total/workers, total%workers

	ranges := make([]Range, 0, workers)
	cur := start
	for i := 0; i < workers; i++ {
		n := base
		if i < extra {
			n++
		}
		ranges = append(ranges, Range{Start: cur, End: cur + n})
		cur += n
	}
	return ranges
}

// WorkerFactory builds the driver for one shard. Each call must return a
// driver with its own task, gateway and usage counter.
type WorkerFactory func(ctx context.Context, worker int, r Range) (*Driver, error)

// ShardResult is the outcome of one worker.
type ShardResult struct {
	Worker int
	Range  Range
	Report *Report
	Err    error
}

// RunShards runs one driver per range concurrently. Worker i starts after
// i*delay. A failing worker does not stop the others; the returned error
// joins every worker error.
func RunShards(ctx context.Context, ranges []Range, delay time.Duration, factory WorkerFactory, logger *slog.Logger) ([]ShardResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]ShardResult, len(ranges))

	var g errgroup.Group
	for i, r := range ranges {
		results[i] = ShardResult{Worker: i, Range: r}
		g.Go(func() error {
			if wait := time.Duration(i) * delay; wait > 0 {
				logger.InfoContext(ctx, "worker waiting", "worker", i, "delay", wait)
				select {
				case <-ctx.Done():
					results[i].Err = ctx.Err()
					return nil
				case <-time.After(wait):
				}
			}

			logger.InfoContext(ctx, "worker started", "worker", i, "start", r.Start, "end", r.End)
			d, err := factory(ctx, i, r)
			if err != nil {
				results[i].Err = fmt.Errorf("worker %d: %w", i, err)
				return nil
			}
			report, err := d.Run(ctx, r.Start, r.End)
			results[i].Report = report
			if err != nil {
				results[i].Err = fmt.Errorf("worker %d: %w", i, err)
				logger.ErrorContext(ctx, "worker failed", "worker", i, "error", err)
				return nil
			}
			logger.InfoContext(ctx, "worker finished", "worker", i,
				"solved", report.Solved, "failed", report.Failed)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}
