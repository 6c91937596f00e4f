package jobstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://host/file-%d.parquet", i)
	}
	return out
}

func TestCreateMaster_PartitionsIntoBatches(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(120), 50)
	assert.Equal(t, 120, m.TotalURLs)
	assert.Equal(t, 3, m.TotalBatches)
	assert.Equal(t, StatusPending, m.Status)
	require.Len(t, m.Batches, 3)
	assert.Len(t, m.Batches[0].URLs, 50)
	assert.Len(t, m.Batches[1].URLs, 50)
	assert.Len(t, m.Batches[2].URLs, 20)
	// Input order is preserved across the partition.
	assert.Equal(t, "https://host/file-0.parquet", m.Batches[0].URLs[0])
	assert.Equal(t, "https://host/file-100.parquet", m.Batches[2].URLs[0])
}

func TestCreateMaster_SingleShortBatch(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(7), 50)
	assert.Equal(t, 1, m.TotalBatches)
	require.Len(t, m.Batches, 1)
	assert.Len(t, m.Batches[0].URLs, 7)
}

func TestStatusDerivation(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(100), 50)
	require.Len(t, m.Batches, 2)
	b0, b1 := m.Batches[0].ID, m.Batches[1].ID

	got, err := s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.True(t, s.SetBatchRunning(b0))
	got, err = s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	s.SetBatchResult(b0, BatchResult{FilesSucceeded: 50, RowsWritten: 1000})
	got, err = s.Get(m.ID, false)
	require.NoError(t, err)
	// One batch done, one still pending: the job is in flight.
	assert.Equal(t, StatusRunning, got.Status)

	require.True(t, s.SetBatchRunning(b1))
	s.SetBatchResult(b1, BatchResult{FilesSucceeded: 48, FilesFailed: 2, RowsWritten: 900})
	got, err = s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 98, got.Progress.URLsSucceeded)
	assert.Equal(t, 2, got.Progress.URLsFailed)
	assert.Equal(t, int64(1900), got.Progress.RowsWritten)
	assert.Equal(t, 100.0, got.Progress.CompletionPct)
}

func TestStatusDerivation_FailedBatchFailsTheJob(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(100), 50)
	b0, b1 := m.Batches[0].ID, m.Batches[1].ID

	require.True(t, s.SetBatchRunning(b0))
	s.SetBatchResult(b0, BatchResult{Failed: true, Error: "panic: boom"})
	require.True(t, s.SetBatchRunning(b1))
	s.SetBatchResult(b1, BatchResult{FilesSucceeded: 50})

	got, err := s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Progress.BatchesFailed)
	assert.Equal(t, 1, got.Progress.BatchesCompleted)
	assert.Equal(t, 50.0, got.Progress.CompletionPct)
}

func TestProgress_CompletionPctRounding(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(150), 50)
	require.Len(t, m.Batches, 3)
	require.True(t, s.SetBatchRunning(m.Batches[0].ID))
	s.SetBatchResult(m.Batches[0].ID, BatchResult{FilesSucceeded: 50})

	got, err := s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 33.33, got.Progress.CompletionPct)
}

func TestGet_UnknownID(t *testing.T) {
	s := New()
	_, err := s.Get(New().CreateMaster(urls(1), 50).ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_BatchesOnlyOnRequest(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(10), 5)

	got, err := s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got.Batches)

	got, err = s.Get(m.ID, true)
	require.NoError(t, err)
	assert.Len(t, got.Batches, 2)
}

func TestList_MostRecentFirst(t *testing.T) {
	s := New()
	first := s.CreateMaster(urls(1), 50)
	second := s.CreateMaster(urls(1), 50)
	third := s.CreateMaster(urls(1), 50)

	out := s.List(2)
	require.Len(t, out, 2)
	assert.Equal(t, third.ID, out[0].ID)
	assert.Equal(t, second.ID, out[1].ID)

	out = s.List(0)
	require.Len(t, out, 3)
	assert.Equal(t, first.ID, out[2].ID)
}

func TestCancelMaster(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(100), 50)
	b0 := m.Batches[0].ID
	require.True(t, s.SetBatchRunning(b0))

	require.NoError(t, s.CancelMaster(m.ID))

	// The pending batch fails immediately and can no longer start.
	assert.False(t, s.SetBatchRunning(m.Batches[1].ID))
	got, err := s.Get(m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, StatusFailed, got.Batches[1].Status)
	assert.Equal(t, "cancelled", got.Batches[1].Error)

	// The running batch finishes on its own and the job turns terminal.
	s.SetBatchResult(b0, BatchResult{FilesSucceeded: 30, FilesFailed: 20})
	got, err = s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	assert.ErrorIs(t, s.CancelMaster(m.ID), ErrTerminal)
}

func TestCancelMaster_Unknown(t *testing.T) {
	s := New()
	other := New().CreateMaster(urls(1), 50)
	assert.ErrorIs(t, s.CancelMaster(other.ID), ErrNotFound)
}

func TestSetBatchResult_IgnoredOnceTerminal(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(5), 50)
	b := m.Batches[0].ID
	require.True(t, s.SetBatchRunning(b))
	s.SetBatchResult(b, BatchResult{FilesSucceeded: 5, RowsWritten: 10})
	s.SetBatchResult(b, BatchResult{Failed: true, Error: "late"})

	got, err := s.Get(m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Batches[0].Status)
	assert.Equal(t, int64(10), got.Batches[0].RowsWritten)
}

func TestEviction_KeepsNonTerminalJobs(t *testing.T) {
	s := New()
	s.historyLimit = 2
	running := s.CreateMaster(urls(1), 50)
	require.True(t, s.SetBatchRunning(running.Batches[0].ID))

	s.CreateMaster(urls(1), 50)
	s.CreateMaster(urls(1), 50)

	// The oldest job is still running, so nothing is evicted.
	_, err := s.Get(running.ID, false)
	assert.NoError(t, err)
	assert.Len(t, s.List(0), 3)
}

func TestEviction_DropsOldestTerminal(t *testing.T) {
	s := New()
	s.historyLimit = 2
	old := s.CreateMaster(urls(1), 50)
	require.True(t, s.SetBatchRunning(old.Batches[0].ID))
	s.SetBatchResult(old.Batches[0].ID, BatchResult{FilesSucceeded: 1})

	s.CreateMaster(urls(1), 50)
	s.CreateMaster(urls(1), 50)

	_, err := s.Get(old.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, s.List(0), 2)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := New()
	m := s.CreateMaster(urls(500), 10)
	require.Len(t, m.Batches, 50)

	var wg sync.WaitGroup
	for _, b := range m.Batches {
		wg.Add(1)
		go func(b BatchJob) {
			defer wg.Done()
			if s.SetBatchRunning(b.ID) {
				s.SetBatchResult(b.ID, BatchResult{FilesSucceeded: len(b.URLs), RowsWritten: 7})
			}
		}(b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Get(m.ID, true)
			s.List(10)
		}()
	}
	wg.Wait()

	got, err := s.Get(m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 500, got.Progress.URLsSucceeded)
	assert.Equal(t, int64(350), got.Progress.RowsWritten)
}
