// Package runner executes one batch of file URLs with bounded file-level
// concurrency. Per-file failures are counted and collected, never fatal
// to the batch.
package runner

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/ingest/process"
)

// DefaultWorkers is the in-batch file concurrency cap (K).
const DefaultWorkers = 3

// Options modulate one batch execution.
type Options struct {
	// Workers overrides the runner's file concurrency cap when > 0.
	Workers int
	// Upsert is passed through to every file's ETL.
	Upsert bool
}

// Result aggregates the counters of one executed batch.
type Result struct {
	FilesSucceeded int
	FilesFailed    int
	RowsWritten    int64
	// Errors holds one message per failed file, for operator triage.
	Errors []string
}

// Runner fans a batch out over a Processor.
type Runner struct {
	proc    process.Processor
	workers int
}

// New returns a Runner with the given default file concurrency.
func New(proc process.Processor, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{proc: proc, workers: workers}
}

// Run processes every URL with at most K concurrent ETLs and returns
// the aggregated counters. A cancelled context fails the remaining
// files fast; files already past their last loader batch still count as
// succeeded.
func (r *Runner) Run(ctx context.Context, urls []string, opts Options) Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = r.workers
	}

	var (
		mu   sync.Mutex
		res  Result
		merr *multierror.Error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, url := range urls {
		url := url
		eg.Go(func() error {
			// A file never fails its siblings, so the group function
			// always returns nil.
			if err := egCtx.Err(); err != nil {
				mu.Lock()
				res.FilesFailed++
				res.Errors = append(res.Errors, url+": cancelled before start")
				mu.Unlock()
				return nil
			}
			fileRes, err := r.proc.Process(egCtx, url, process.Options{Upsert: opts.Upsert})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FilesFailed++
				res.Errors = append(res.Errors, err.Error())
				merr = multierror.Append(merr, err)
				return nil
			}
			res.FilesSucceeded++
			res.RowsWritten += fileRes.RowsWritten
			return nil
		})
	}
	// Only nil errors were returned to the group.
	_ = eg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		alog.Warningf("Batch finished with %d failed of %d files: %s", res.FilesFailed, len(urls), err)
	}
	return res
}
