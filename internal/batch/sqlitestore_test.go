package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSQLiteStore_PersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir() + "/jobs.db"
	store, err := NewSQLite(dbPath, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{
		{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"},
	}, Config{Parallel: 1})
	require.NoError(t, err)
	require.NoError(t, store.UpdateItem(job.ID, "1", ItemSuccess, "artifact-1", ""))

	store2, err := NewSQLite(dbPath, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)
	reloaded, ok := store2.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, ItemSuccess, reloaded.Items["1"].Status)
	require.Equal(t, "artifact-1", reloaded.Items["1"].Result)
}

func TestSQLiteStore_LoadAllTerminatesInterruptedJobs(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir() + "/jobs.db"
	store, err := NewSQLite(dbPath, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"}}, Config{Parallel: 1})
	require.NoError(t, err)

	store.mu.Lock()
	store.jobs[job.ID].Status = JobProcessing
	store.mu.Unlock()
	require.NoError(t, store.store.save(store.jobs[job.ID]))

	store2, err := NewSQLite(dbPath, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store2.LoadAll())

	reloaded, ok := store2.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobFailed, reloaded.Status)
	require.Equal(t, "restart_interrupted", reloaded.Reason)
}
