package tabpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/driver/fakedriver"
)

func newTestPools(t *testing.T, cfg Config) (*browserpool.Pool, *Pool) {
	t.Helper()
	factory := fakedriver.NewFactory()
	bp := browserpool.New(browserpool.Config{
		MinSize: 0, MaxSize: 2,
		IdleTimeout: time.Hour, MaxAge: time.Hour,
		HealthThreshold: 5, MaxPages: 1000,
		ScaleThreshold: 0.99, ScaleFactor: 1,
		MaxWaitAttempts: 4, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	}, factory, zap.NewNop(), nil)
	tp := New(cfg, bp, zap.NewNop(), nil)
	return bp, tp
}

func TestAcquire_TabPoolMode_ReusesIdleTab(t *testing.T) {
	t.Parallel()

	bp, tp := newTestPools(t, Config{
		EnableTabReuse: true, MaxTabsPerBrowser: 5, TabAcquireTimeout: time.Second,
	})
	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h1, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	firstPage := h1.Page
	h1.Release(context.Background())

	h2, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	require.Same(t, firstPage, h2.Page, "idle tab should be reused rather than opening a new one")
	h2.Release(context.Background())
}

func TestAcquire_ContextMode_WhenTabReuseDisabled(t *testing.T) {
	t.Parallel()

	bp, tp := newTestPools(t, Config{EnableTabReuse: false})
	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	require.False(t, h.tabMode)
	h.Release(context.Background())

	// Tab pool never accumulates records when reuse is disabled.
	require.Equal(t, Stats{}, tp.Stats())
}

func TestAcquire_SwitchesToAnotherBrowserWhenCongested(t *testing.T) {
	t.Parallel()

	bp, tp := newTestPools(t, Config{
		EnableTabReuse: true, MaxTabsPerBrowser: 1, TabAcquireTimeout: 200 * time.Millisecond,
	})
	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h1, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)

	// Second acquire targets the same browser, cap 1, with reuse
	// unavailable (h1 still held). The pool has room for another
	// browser, so tab-pool mode should pick that one up rather than
	// starving behind idx or dropping to context mode.
	h2, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	require.True(t, h2.tabMode, "an idle browser elsewhere in the pool should still serve the request in tab-pool mode")
	require.NotEqual(t, idx, h2.BrowserIdx, "a congested browser should be swapped for an idler one")

	h1.Release(context.Background())
	h2.Release(context.Background())
}

func TestAcquire_FallsBackToContextModeWhenNoOtherBrowserAvailable(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	bp := browserpool.New(browserpool.Config{
		MinSize: 0, MaxSize: 1,
		IdleTimeout: time.Hour, MaxAge: time.Hour,
		HealthThreshold: 5, MaxPages: 1000,
		ScaleThreshold: 0.99, ScaleFactor: 1,
		MaxWaitAttempts: 4, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	}, factory, zap.NewNop(), nil)
	tp := New(Config{EnableTabReuse: true, MaxTabsPerBrowser: 1, TabAcquireTimeout: 20 * time.Millisecond}, bp, zap.NewNop(), nil)

	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h1, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)

	// Only one browser exists in the whole pool, so there is nowhere
	// else to switch to: tab-pool mode times out and context mode
	// serves the request instead.
	h2, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	require.False(t, h2.tabMode)

	h1.Release(context.Background())
	h2.Release(context.Background())
}

func TestRelease_IsIdempotent(t *testing.T) {
	t.Parallel()

	bp, tp := newTestPools(t, Config{EnableTabReuse: true, MaxTabsPerBrowser: 5, TabAcquireTimeout: time.Second})
	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		h.Release(context.Background())
		h.Release(context.Background())
	})
}

func TestInvalidateBrowser_DropsItsTabs(t *testing.T) {
	t.Parallel()

	bp, tp := newTestPools(t, Config{EnableTabReuse: true, MaxTabsPerBrowser: 5, TabAcquireTimeout: time.Second})
	idx, err := bp.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	h, err := tp.Acquire(context.Background(), idx)
	require.NoError(t, err)
	h.Release(context.Background())

	tp.InvalidateBrowser(idx)
	require.Equal(t, Stats{}, tp.Stats())
}
