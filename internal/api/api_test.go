package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/batch"
	"github.com/mrfansi/web2img/internal/rescache"
	"github.com/mrfansi/web2img/internal/resultcache"
	"github.com/mrfansi/web2img/internal/rewriter"
)

type fakeProcessor struct {
	artifact string
	err      error
	calls    int
}

func (f *fakeProcessor) Process(ctx context.Context, url string, width, height int, format string, useCache bool) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.artifact, nil
}

func newTestServer(t *testing.T, processor *fakeProcessor) *Server {
	t.Helper()

	store, err := batch.New(t.TempDir(), processor, nil, zap.NewNop())
	require.NoError(t, err)
	scheduler := batch.NewScheduler(store, zap.NewNop())

	rescacheInst, err := rescache.New(t.TempDir(), rescache.Policy{AllContent: true, MaxEntryBytes: 1 << 20, MaxTotalBytes: 1 << 24, TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	return NewServer(Deps{
		Logger:        zap.NewNop(),
		Processor:     processor,
		BatchStore:    store,
		Scheduler:     scheduler,
		ResultCache:   resultcache.New(100, time.Hour, nil),
		ResourceCache: rescacheInst,
		Rewriter:      rewriter.New(),
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleScreenshot_Success(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{artifact: "https://artifacts.example.com/a.png"}
	srv := newTestServer(t, processor)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/screenshot", ScreenshotRequest{
		URL: "https://example.com", Width: 1280, Height: 720, Format: "png",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ScreenshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, processor.artifact, resp.URL)
}

func TestHandleScreenshot_ValidationRejectsOutOfRangeDimensions(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{artifact: "unused"}
	srv := newTestServer(t, processor)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/screenshot", ScreenshotRequest{
		URL: "https://example.com", Width: 0, Height: 720, Format: "png",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, 0, processor.calls, "an invalid request must never reach the processor")
}

func TestHandleScreenshot_MapsOverloadedToTooManyRequests(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{err: apierr.New(apierr.KindOverloaded, "pool saturated")}
	srv := newTestServer(t, processor)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/screenshot", ScreenshotRequest{
		URL: "https://example.com", Width: 1280, Height: 720, Format: "png",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body apierr.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, apierr.KindOverloaded, body.Kind)
}

func TestHandleCreateBatch_RejectsEmptyItems(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{artifact: "unused"}
	srv := newTestServer(t, processor)

	rec := doRequest(t, srv.Router(), http.MethodPost, "/batch/screenshots", BatchRequest{
		Items:  nil,
		Config: batch.Config{Parallel: 1, TimeoutSeconds: 30},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleCreateBatch_AcceptsValidJobAndReportsStatus(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{artifact: "https://artifacts.example.com/a.png"}
	srv := newTestServer(t, processor)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/batch/screenshots", BatchRequest{
		Items: []BatchItemRequest{
			{URL: "https://example.com", Width: 800, Height: 600, Format: "png"},
		},
		Config: batch.Config{Parallel: 1, TimeoutSeconds: 30},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job batch.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		rec := doRequest(t, router, http.MethodGet, "/batch/screenshots/"+job.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got batch.Job
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got.Status == batch.JobCompleted
	}, time.Second, 5*time.Millisecond)

	rec = doRequest(t, router, http.MethodGet, "/batch/screenshots/"+job.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetBatchResults_ConflictWhileQueued(t *testing.T) {
	t.Parallel()

	processor := &fakeProcessor{artifact: "https://artifacts.example.com/a.png"}
	srv := newTestServer(t, processor)

	job, err := srv.batchStore.Create([]batch.Item{{ID: "1", URL: "https://example.com", Width: 800, Height: 600, Format: "png", Status: batch.ItemPending}}, batch.Config{Parallel: 1, TimeoutSeconds: 30})
	require.NoError(t, err)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/batch/screenshots/"+job.ID+"/results", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestURLTransformerAdmin_SetTransformAndDelete(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeProcessor{})
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/url-transformer/rules", RuleRequest{
		SourceHost: "viding.co", TargetHost: "viding-co_website-revamp", Scheme: "http",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/url-transformer/transform", TransformRequest{
		URL: "https://viding.co/mini-rsvp/1240?x=1#frag",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransformResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "http://viding-co_website-revamp/mini-rsvp/1240?x=1#frag", resp.Rewritten)
	require.True(t, resp.Matched)

	rec = doRequest(t, router, http.MethodDelete, "/url-transformer/rules/viding.co", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/url-transformer/check?url=https://viding.co/x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Matched)
}

func TestResultCacheAdmin_StatsClearAndInvalidate(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeProcessor{})
	router := srv.Router()

	fp := resultcache.Fingerprint("https://example.com", 800, 600, "png")
	srv.results.Put(fp, "https://example.com", "https://artifacts.example.com/cached.png")

	rec := doRequest(t, router, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/cache/url?url=https://example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var removed map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &removed))
	require.Equal(t, 1, removed["removed"])

	_, ok := srv.results.Get(fp)
	require.False(t, ok)
}
