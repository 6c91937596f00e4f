// Package manager schedules batch execution for submitted URL lists
// under the global concurrency cap, and owns cancellation of running
// master jobs.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"go.discomap.org/ingest/go/alog"
	"go.discomap.org/ingest/go/ingest/runner"
	"go.discomap.org/ingest/go/jobstore"
)

// Defaults for batch partitioning and global concurrency (G). Together
// with the runner's K they bound database sessions at G*K, which must
// stay below the pool size with margin.
const (
	DefaultBatchSize         = 50
	DefaultConcurrentBatches = 3
)

// BatchRunner is what the manager schedules; satisfied by *runner.Runner.
type BatchRunner interface {
	Run(ctx context.Context, urls []string, opts runner.Options) runner.Result
}

// Options for one submission.
type Options struct {
	// Upsert routes every load of this job through the staging-table merge.
	Upsert bool
	// MaxWorkers overrides the per-batch file concurrency (K) when > 0.
	MaxWorkers int
}

// Manager partitions submissions into batches and releases them into
// the global semaphore. Submission never blocks; all waiting happens in
// the per-job scheduling loop.
type Manager struct {
	store     *jobstore.Store
	runner    BatchRunner
	batchSize int
	sem       *semaphore.Weighted
	baseCtx   context.Context

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New returns a Manager scheduling onto r. baseCtx is the server
// lifetime context; cancelling it aborts every job.
func New(baseCtx context.Context, store *jobstore.Store, r BatchRunner, batchSize, concurrentBatches int) *Manager {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrentBatches <= 0 {
		concurrentBatches = DefaultConcurrentBatches
	}
	return &Manager{
		store:     store,
		runner:    r,
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(int64(concurrentBatches)),
		baseCtx:   baseCtx,
		cancels:   map[uuid.UUID]context.CancelFunc{},
	}
}

// Submit creates the master job and returns immediately; processing
// runs in the background and is observed through the job store.
func (m *Manager) Submit(urls []string, opts Options) (jobstore.MasterJob, error) {
	if len(urls) == 0 {
		return jobstore.MasterJob{}, errors.New("empty URL list")
	}
	snap := m.store.CreateMaster(urls, m.batchSize)

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.cancels[snap.ID] = cancel
	m.mu.Unlock()

	alog.Infof("Master job %s created: %d URLs in %d batches", snap.ID, snap.TotalURLs, snap.TotalBatches)
	go m.run(ctx, snap, opts)
	return snap, nil
}

// Cancel stops a master job: pending batches never start and running
// batches abort at their next loader-batch boundary. Returns
// jobstore.ErrNotFound for unknown ids and jobstore.ErrTerminal when
// the job already finished.
func (m *Manager) Cancel(id uuid.UUID) error {
	if err := m.store.CancelMaster(id); err != nil {
		return err
	}
	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	alog.Infof("Master job %s cancelled", id)
	return nil
}

// run is the per-job scheduling loop: batches acquire the global
// semaphore in input order and may complete out of order.
func (m *Manager) run(ctx context.Context, snap jobstore.MasterJob, opts Options) {
	start := time.Now()
	m.store.SetMasterStarted(snap.ID)

	var wg sync.WaitGroup
	for _, batch := range snap.Batches {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting; CancelMaster already failed the
			// pending batches.
			break
		}
		wg.Add(1)
		go func(batch jobstore.BatchJob) {
			defer wg.Done()
			defer m.sem.Release(1)
			if !m.store.SetBatchRunning(batch.ID) {
				// Cancelled between scheduling and start.
				return
			}
			m.store.SetBatchResult(batch.ID, m.runBatch(ctx, batch, opts))
		}(batch)
	}
	wg.Wait()

	m.store.SetMasterCompleted(snap.ID)
	m.mu.Lock()
	cancel := m.cancels[snap.ID]
	delete(m.cancels, snap.ID)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	final, err := m.store.Get(snap.ID, false)
	if err == nil {
		alog.Infof("Master job %s finished in %s: %d/%d URLs succeeded, status %s",
			snap.ID, time.Since(start).Round(time.Millisecond),
			final.Progress.URLsSucceeded, final.TotalURLs, final.Status)
	}
}

// runBatch executes one batch. Per-file failures are counters; only an
// escaped panic marks the batch itself failed.
func (m *Manager) runBatch(ctx context.Context, batch jobstore.BatchJob, opts Options) (res jobstore.BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			alog.Errorf("Batch %s panicked: %v", batch.ID, r)
			res = jobstore.BatchResult{Failed: true, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	out := m.runner.Run(ctx, batch.URLs, runner.Options{Workers: opts.MaxWorkers, Upsert: opts.Upsert})
	return jobstore.BatchResult{
		FilesSucceeded: out.FilesSucceeded,
		FilesFailed:    out.FilesFailed,
		RowsWritten:    out.RowsWritten,
		FileErrors:     out.Errors,
	}
}
