package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errTest = errors.New("simulated capture failure")

type stubProcessor struct {
	fail map[string]bool
}

func (p *stubProcessor) Process(ctx context.Context, url string, width, height int, format string, useCache bool) (string, error) {
	if p.fail[url] {
		return "", errTest
	}
	return "https://artifacts.example.com/" + url, nil
}

func TestCreate_AssignsIDAndPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"}}, Config{Parallel: 2})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, JobQueued, job.Status)

	loaded, ok := store.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, job.ID, loaded.ID)
}

func TestPersistenceRoundTrip_PreservesFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{
		{ID: "1", URL: "https://a.example.com", Width: 100, Height: 200, Format: "png"},
		{ID: "2", URL: "https://b.example.com", Width: 300, Height: 400, Format: "jpeg"},
	}, Config{Parallel: 2, FailFast: true, Webhook: "https://hooks.example.com"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateItem(job.ID, "1", ItemSuccess, "artifact-1", ""))

	store2, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)
	reloaded, ok := store2.Get(job.ID)
	require.True(t, ok)

	require.Equal(t, job.ID, reloaded.ID)
	require.Equal(t, 2, reloaded.Total)
	require.Equal(t, "artifact-1", reloaded.Items["1"].Result)
	require.Equal(t, ItemSuccess, reloaded.Items["1"].Status)
	require.Equal(t, ItemPending, reloaded.Items["2"].Status)
	require.Equal(t, job.Config.Webhook, reloaded.Config.Webhook)
}

func TestScheduler_PartialResultOnMixedOutcomes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	processor := &stubProcessor{fail: map[string]bool{
		"https://bad1.example.com": true,
		"https://bad2.example.com": true,
	}}
	store, err := New(dir, processor, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{
		{ID: "1", URL: "https://good1.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "2", URL: "https://bad1.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "3", URL: "https://good2.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "4", URL: "https://bad2.example.com", Width: 100, Height: 100, Format: "png"},
	}, Config{Parallel: 2, FailFast: false})
	require.NoError(t, err)

	sched := NewScheduler(store, zap.NewNop())
	sched.Run(context.Background(), job.ID)

	final, ok := store.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobPartial, final.Status)
	require.Equal(t, 2, final.Succeeded)
	require.Equal(t, 2, final.Failed)
}

func TestScheduler_FailFastCancelsRemaining(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	processor := &stubProcessor{fail: map[string]bool{"https://bad.example.com": true}}
	store, err := New(dir, processor, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{
		{ID: "1", URL: "https://bad.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "2", URL: "https://good.example.com", Width: 100, Height: 100, Format: "png"},
	}, Config{Parallel: 1, FailFast: true})
	require.NoError(t, err)

	sched := NewScheduler(store, zap.NewNop())
	sched.Run(context.Background(), job.ID)

	final, ok := store.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobFailed, final.Status)
}

func TestScheduler_FailFastAfterSuccessStaysFailed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	processor := &stubProcessor{fail: map[string]bool{"https://bad.example.com": true}}
	store, err := New(dir, processor, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{
		{ID: "1", URL: "https://good.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "2", URL: "https://bad.example.com", Width: 100, Height: 100, Format: "png"},
		{ID: "3", URL: "https://later.example.com", Width: 100, Height: 100, Format: "png"},
	}, Config{Parallel: 1, FailFast: true})
	require.NoError(t, err)

	sched := NewScheduler(store, zap.NewNop())
	sched.Run(context.Background(), job.ID)

	final, ok := store.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobFailed, final.Status)
	require.Equal(t, "fail_fast", final.Reason)
	require.Equal(t, 1, final.Succeeded)
}

func TestLoadAll_TerminatesInterruptedProcessingJobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"}}, Config{Parallel: 1})
	require.NoError(t, err)

	store.mu.Lock()
	store.jobs[job.ID].Status = JobProcessing
	store.mu.Unlock()
	require.NoError(t, store.store.save(store.jobs[job.ID]))

	store2, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store2.LoadAll())

	reloaded, ok := store2.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobFailed, reloaded.Status)
	require.Equal(t, "restart_interrupted", reloaded.Reason)
}

func TestPurgeExpired_RemovesOldCompletedJobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, &stubProcessor{}, nil, zap.NewNop())
	require.NoError(t, err)

	job, err := store.Create([]Item{{ID: "1", URL: "https://a.example.com", Width: 100, Height: 100, Format: "png"}}, Config{Parallel: 1})
	require.NoError(t, err)

	store.mu.Lock()
	store.jobs[job.ID].CompletedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	removed := store.PurgeExpired(24 * time.Hour)
	require.Equal(t, 1, removed)

	_, ok := store.Get(job.ID)
	require.False(t, ok)
}
