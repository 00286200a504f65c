package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/admission"
	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/capture"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/driver/fakedriver"
	"github.com/mrfansi/web2img/internal/intercept"
	"github.com/mrfansi/web2img/internal/rescache"
	"github.com/mrfansi/web2img/internal/resultcache"
	"github.com/mrfansi/web2img/internal/rewriter"
	"github.com/mrfansi/web2img/internal/tabpool"
)

type recordingUploader struct {
	calls int
}

func (u *recordingUploader) Upload(ctx context.Context, localPath string) (string, error) {
	u.calls++
	return "https://artifacts.example.com/" + localPath, nil
}

func newOrchestrator(t *testing.T, factory *fakedriver.Factory, results *resultcache.Cache) (*Orchestrator, *browserpool.Pool, *recordingUploader) {
	t.Helper()

	bp := browserpool.New(browserpool.Config{
		MinSize: 0, MaxSize: 3,
		IdleTimeout: time.Hour, MaxAge: time.Hour,
		HealthThreshold: 5, MaxPages: 1000,
		ScaleThreshold: 0.99, ScaleFactor: 1,
		MaxWaitAttempts: 4, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	}, factory, zap.NewNop(), nil)
	tp := tabpool.New(tabpool.Config{EnableTabReuse: true, MaxTabsPerBrowser: 5, TabAcquireTimeout: time.Second}, bp, zap.NewNop(), nil)
	rw := rewriter.New()
	cache, err := rescache.New(t.TempDir(), rescache.Policy{AllContent: true, MaxEntryBytes: 1 << 20, MaxTotalBytes: 1 << 24, TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	pipeline := capture.New(capture.Config{
		NavigationTimeout: 200 * time.Millisecond,
		SettleTimeout:     time.Millisecond,
		ScreenshotTimeout: 200 * time.Millisecond,
		RouteSetupTimeout: 50 * time.Millisecond,
		MaxFreshRetries:   3,
		OutputDir:         t.TempDir(),
	}, bp, tp, rw, cache, intercept.BlockPolicy{}, zap.NewNop())

	admissionCtrl := admission.New(admission.Config{
		MaxConcurrentScreenshots: 2,
		MaxConcurrentContexts:    4,
		CircuitBreakerThreshold:  5,
		CircuitBreakerResetTime:  time.Minute,
	}, bp, zap.NewNop(), nil)

	uploader := &recordingUploader{}
	orch := New(admissionCtrl, bp, pipeline, results, uploader, time.Second, zap.NewNop())
	return orch, bp, uploader
}

func TestProcess_CapturesAndUploadsOnMiss(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	results := resultcache.New(100, time.Hour, nil)
	orch, _, uploader := newOrchestrator(t, factory, results)

	artifact, err := orch.Process(context.Background(), "https://example.com", 1280, 720, string(driver.FormatPNG), true)
	require.NoError(t, err)
	require.NotEmpty(t, artifact)
	require.Equal(t, 1, uploader.calls)

	fp := resultcache.Fingerprint("https://example.com", 1280, 720, string(driver.FormatPNG))
	cached, ok := results.Get(fp)
	require.True(t, ok)
	require.Equal(t, artifact, cached)
}

func TestProcess_ServesFromResultCacheWithoutCapturing(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	results := resultcache.New(100, time.Hour, nil)
	orch, _, uploader := newOrchestrator(t, factory, results)

	fp := resultcache.Fingerprint("https://cached.example.com", 800, 600, string(driver.FormatPNG))
	results.Put(fp, "https://cached.example.com", "https://artifacts.example.com/precomputed.png")

	artifact, err := orch.Process(context.Background(), "https://cached.example.com", 800, 600, string(driver.FormatPNG), true)
	require.NoError(t, err)
	require.Equal(t, "https://artifacts.example.com/precomputed.png", artifact)
	require.Equal(t, 0, uploader.calls, "a cache hit must never acquire a browser or upload")
}

func TestProcess_CacheHitStillRequiresAdmission(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	results := resultcache.New(100, time.Hour, nil)
	orch, _, uploader := newOrchestrator(t, factory, results)

	fp := resultcache.Fingerprint("https://cached.example.com", 800, 600, string(driver.FormatPNG))
	results.Put(fp, "https://cached.example.com", "https://artifacts.example.com/precomputed.png")

	// Exhaust both screenshot slots so admission itself blocks,
	// independent of anything cache-related.
	first, err := orch.admission.Admit(context.Background())
	require.NoError(t, err)
	defer first.Release()
	second, err := orch.admission.Admit(context.Background())
	require.NoError(t, err)
	defer second.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = orch.Process(ctx, "https://cached.example.com", 800, 600, string(driver.FormatPNG), true)
	require.Error(t, err, "a cache hit must still wait for an admission ticket like any other request")
	require.Equal(t, 0, uploader.calls)
}

func TestProcess_SkipsCacheWhenUseCacheFalse(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	results := resultcache.New(100, time.Hour, nil)
	orch, _, uploader := newOrchestrator(t, factory, results)

	fp := resultcache.Fingerprint("https://example.com", 1280, 720, string(driver.FormatPNG))
	results.Put(fp, "https://example.com", "https://artifacts.example.com/stale.png")

	artifact, err := orch.Process(context.Background(), "https://example.com", 1280, 720, string(driver.FormatPNG), false)
	require.NoError(t, err)
	require.NotEqual(t, "https://artifacts.example.com/stale.png", artifact)
	require.Equal(t, 1, uploader.calls)
}

func TestProcess_ReturnsErrorAndReleasesAdmissionOnUnreachable(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	factory.SetScript("https://dead.example.com", fakedriver.Script{
		NavigateErr: &driver.NavError{Class: driver.NavClassUnreachable, Message: "dns failure"},
	})
	orch, _, _ := newOrchestrator(t, factory, nil)

	_, err := orch.Process(context.Background(), "https://dead.example.com", 1280, 720, string(driver.FormatPNG), false)
	require.Error(t, err)

	// Admission must have been released despite the failure: a second
	// call should still be admittable rather than exhausting the
	// semaphore.
	ticket, admitErr := orch.admission.Admit(context.Background())
	require.NoError(t, admitErr)
	ticket.Release()
}

func TestCapture_ImplementsHealthProberContract(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	orch, _, _ := newOrchestrator(t, factory, nil)

	err := orch.Capture(context.Background(), "https://example.com", time.Second)
	require.NoError(t, err)
}
