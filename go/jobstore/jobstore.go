// Package jobstore is the process-wide registry of ingestion jobs: one
// master job per submission, one batch job per group of URLs. All
// aggregate fields are derived on read so status polls never observe a
// stale rollup.
package jobstore

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status of a batch job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal returns true for completed and failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned for unknown master job ids.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when cancelling a job that already finished.
var ErrTerminal = errors.New("job already finished")

// defaultHistoryLimit caps how many master jobs are kept in memory.
const defaultHistoryLimit = 1000

// BatchJob is a snapshot of one batch of URLs.
type BatchJob struct {
	ID             uuid.UUID  `json:"job_id"`
	MasterID       uuid.UUID  `json:"master_id"`
	Status         Status     `json:"status"`
	URLs           []string   `json:"-"`
	URLCount       int        `json:"urls_count"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FilesSucceeded int        `json:"succeeded"`
	FilesFailed    int        `json:"failed"`
	RowsWritten    int64      `json:"rows_written"`
	Error          string     `json:"error,omitempty"`
	Errors         []string   `json:"errors,omitempty"`
}

// Progress is derived from the batch list on every read.
type Progress struct {
	BatchesCompleted int     `json:"batches_completed"`
	BatchesFailed    int     `json:"batches_failed"`
	BatchesRunning   int     `json:"batches_running"`
	BatchesPending   int     `json:"batches_pending"`
	URLsSucceeded    int     `json:"urls_succeeded"`
	URLsFailed       int     `json:"urls_failed"`
	RowsWritten      int64   `json:"rows_written"`
	CompletionPct    float64 `json:"completion_pct"`
}

// MasterJob is a snapshot of one submission.
type MasterJob struct {
	ID           uuid.UUID  `json:"master_id"`
	Status       Status     `json:"status"`
	TotalURLs    int        `json:"total_urls"`
	TotalBatches int        `json:"total_batches"`
	BatchSize    int        `json:"batch_size"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Progress     Progress   `json:"progress"`
	Batches      []BatchJob `json:"batches,omitempty"`
}

// masterJob is the mutable stored form.
type masterJob struct {
	id          uuid.UUID
	totalURLs   int
	batchSize   int
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	batches     []*batchJob
}

type batchJob struct {
	id             uuid.UUID
	masterID       uuid.UUID
	urls           []string
	status         Status
	startedAt      *time.Time
	completedAt    *time.Time
	filesSucceeded int
	filesFailed    int
	rowsWritten    int64
	errMsg         string
	fileErrors     []string
}

// BatchResult carries the outcome of one executed batch.
type BatchResult struct {
	Failed         bool // true only when execution itself failed, not per-file errors
	Error          string
	FilesSucceeded int
	FilesFailed    int
	RowsWritten    int64
	FileErrors     []string
}

// Store is safe for concurrent use; one coarse mutex guards everything.
// It is cold on the throughput-critical path.
type Store struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*masterJob
	batches      map[uuid.UUID]*batchJob
	order        []uuid.UUID // insertion order, oldest first
	historyLimit int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:         map[uuid.UUID]*masterJob{},
		batches:      map[uuid.UUID]*batchJob{},
		historyLimit: defaultHistoryLimit,
	}
}

// CreateMaster partitions urls into batches of batchSize and registers a
// new master job with every batch pending. The returned snapshot
// includes the per-batch URL lists for the scheduler.
func (s *Store) CreateMaster(urls []string, batchSize int) MasterJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &masterJob{
		id:        uuid.New(),
		totalURLs: len(urls),
		batchSize: batchSize,
		createdAt: time.Now().UTC(),
	}
	for i := 0; i < len(urls); i += batchSize {
		end := i + batchSize
		if end > len(urls) {
			end = len(urls)
		}
		b := &batchJob{
			id:       uuid.New(),
			masterID: m.id,
			urls:     append([]string(nil), urls[i:end]...),
			status:   StatusPending,
		}
		m.batches = append(m.batches, b)
		s.batches[b.id] = b
	}
	s.jobs[m.id] = m
	s.order = append(s.order, m.id)
	s.evictLocked()
	return m.snapshot(true)
}

// evictLocked drops the oldest masters above the history cap. Only
// terminal jobs are dropped; an old but still-running job stays.
func (s *Store) evictLocked() {
	for len(s.order) > s.historyLimit {
		id := s.order[0]
		m := s.jobs[id]
		if m != nil && !deriveStatus(m).Terminal() {
			return
		}
		s.order = s.order[1:]
		if m != nil {
			for _, b := range m.batches {
				delete(s.batches, b.id)
			}
		}
		delete(s.jobs, id)
	}
}

// Get returns a snapshot of the master job, with batches included only
// when includeBatches is set.
func (s *Store) Get(id uuid.UUID, includeBatches bool) (MasterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[id]
	if !ok {
		return MasterJob{}, ErrNotFound
	}
	return m.snapshot(includeBatches), nil
}

// List returns up to limit master jobs, most recent first.
func (s *Store) List(limit int) []MasterJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]MasterJob, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.jobs[s.order[i]].snapshot(false))
	}
	return out
}

// SetMasterStarted records the start instant of a master job.
func (s *Store) SetMasterStarted(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.jobs[id]; ok && m.startedAt == nil {
		now := time.Now().UTC()
		m.startedAt = &now
	}
}

// SetMasterCompleted records the completion instant of a master job.
func (s *Store) SetMasterCompleted(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.jobs[id]; ok && m.completedAt == nil {
		now := time.Now().UTC()
		m.completedAt = &now
	}
}

// SetBatchRunning transitions a pending batch to running. Returns false
// when the batch is no longer pending (e.g. cancelled).
func (s *Store) SetBatchRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.status != StatusPending {
		return false
	}
	now := time.Now().UTC()
	b.status = StatusRunning
	b.startedAt = &now
	return true
}

// SetBatchResult finalizes a batch with its counters.
func (s *Store) SetBatchResult(id uuid.UUID, res BatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	b.completedAt = &now
	if b.startedAt == nil {
		b.startedAt = &now
	}
	b.filesSucceeded = res.FilesSucceeded
	b.filesFailed = res.FilesFailed
	b.rowsWritten = res.RowsWritten
	b.fileErrors = res.FileErrors
	if res.Failed {
		b.status = StatusFailed
		b.errMsg = res.Error
	} else {
		b.status = StatusCompleted
	}
}

// CancelMaster fails every still-pending batch of the master. Running
// batches are left to observe their context and finish on their own.
// Returns ErrTerminal when the job has already finished.
func (s *Store) CancelMaster(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if deriveStatus(m).Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	for _, b := range m.batches {
		if b.status == StatusPending {
			b.status = StatusFailed
			b.errMsg = "cancelled"
			b.startedAt = &now
			b.completedAt = &now
		}
	}
	return nil
}

// deriveStatus computes the master status from its batches: completed
// iff all batches completed; failed when all are terminal and any
// failed; running while any batch runs or part of the work is done;
// pending otherwise.
func deriveStatus(m *masterJob) Status {
	if len(m.batches) == 0 {
		return StatusPending
	}
	allCompleted := true
	allTerminal := true
	anyRunning := false
	anyTerminal := false
	for _, b := range m.batches {
		switch b.status {
		case StatusCompleted:
			anyTerminal = true
		case StatusFailed:
			anyTerminal = true
			allCompleted = false
		case StatusRunning:
			anyRunning = true
			allCompleted = false
			allTerminal = false
		default:
			allCompleted = false
			allTerminal = false
		}
	}
	switch {
	case allCompleted:
		return StatusCompleted
	case allTerminal:
		return StatusFailed
	case anyRunning || anyTerminal:
		return StatusRunning
	default:
		return StatusPending
	}
}

func (m *masterJob) snapshot(includeBatches bool) MasterJob {
	out := MasterJob{
		ID:           m.id,
		Status:       deriveStatus(m),
		TotalURLs:    m.totalURLs,
		TotalBatches: len(m.batches),
		BatchSize:    m.batchSize,
		CreatedAt:    m.createdAt,
		StartedAt:    m.startedAt,
		CompletedAt:  m.completedAt,
	}
	var p Progress
	for _, b := range m.batches {
		switch b.status {
		case StatusCompleted:
			p.BatchesCompleted++
		case StatusFailed:
			p.BatchesFailed++
		case StatusRunning:
			p.BatchesRunning++
		default:
			p.BatchesPending++
		}
		p.URLsSucceeded += b.filesSucceeded
		p.URLsFailed += b.filesFailed
		p.RowsWritten += b.rowsWritten
	}
	if len(m.batches) > 0 {
		pct := float64(p.BatchesCompleted) / float64(len(m.batches)) * 100
		p.CompletionPct = math.Round(pct*100) / 100
	}
	out.Progress = p
	if includeBatches {
		out.Batches = make([]BatchJob, 0, len(m.batches))
		for _, b := range m.batches {
			out.Batches = append(out.Batches, BatchJob{
				ID:             b.id,
				MasterID:       b.masterID,
				Status:         b.status,
				URLs:           append([]string(nil), b.urls...),
				URLCount:       len(b.urls),
				StartedAt:      b.startedAt,
				CompletedAt:    b.completedAt,
				FilesSucceeded: b.filesSucceeded,
				FilesFailed:    b.filesFailed,
				RowsWritten:    b.rowsWritten,
				Error:          b.errMsg,
				Errors:         append([]string(nil), b.fileErrors...),
			})
		}
	}
	return out
}
