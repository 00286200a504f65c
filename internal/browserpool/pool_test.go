package browserpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/driver/fakedriver"
)

func testConfig() Config {
	return Config{
		MinSize:         0,
		MaxSize:         2,
		IdleTimeout:     time.Hour,
		MaxAge:          time.Hour,
		HealthThreshold: 5,
		MaxPages:        1000,
		ScaleThreshold:  0.99,
		ScaleFactor:     1,
		MaxWaitAttempts: 4,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}
}

func TestAcquire_LaunchesUpToMaxSize(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	pool := New(testConfig(), factory, zap.NewNop(), nil)

	idx1, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	idx2, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotEqual(t, idx1, idx2)

	stats := pool.Stats()
	require.Equal(t, 2, stats.Size)
	require.Equal(t, 2, stats.InUse)
}

func TestAcquire_WaitsWhenAtCapacity(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	cfg := testConfig()
	cfg.MaxSize = 1
	pool := New(cfg, factory, zap.NewNop(), nil)

	idx1, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), 20*time.Millisecond)
	require.Error(t, err, "pool at capacity should time out rather than overshoot max size")

	pool.Release(idx1)
	idx2, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, idx1, idx2, "released browser should be reused rather than launching a new one")
}

func TestRelease_AlwaysSucceedsEvenWhenUnhealthy(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	pool := New(testConfig(), factory, zap.NewNop(), nil)

	idx, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		pool.RecordError(idx)
	}

	require.NotPanics(t, func() { pool.Release(idx) })

	stats := pool.Stats()
	require.Equal(t, 0, stats.InUse)
}

func TestAvailableInUseInvariant(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	pool := New(testConfig(), factory, zap.NewNop(), nil)

	idx, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	pool.mu.Lock()
	require.True(t, pool.records[idx].InUse)
	require.NotContains(t, pool.available, idx)
	pool.mu.Unlock()

	pool.Release(idx)

	pool.mu.Lock()
	require.False(t, pool.records[idx].InUse)
	require.Contains(t, pool.available, idx)
	pool.mu.Unlock()
}

func TestForceRelease_OnlyAffectsInUseBrowser(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	pool := New(testConfig(), factory, zap.NewNop(), nil)

	idx, err := pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ok := pool.ForceRelease(idx)
	require.True(t, ok)

	// Recycle is scheduled asynchronously; give it a moment, then
	// confirm the pool no longer references the stale index.
	require.Eventually(t, func() bool {
		stats := pool.Stats()
		return stats.Size == 0
	}, time.Second, time.Millisecond)
}

func TestStats_SizeNeverExceedsMax(t *testing.T) {
	t.Parallel()

	factory := fakedriver.NewFactory()
	cfg := testConfig()
	cfg.MaxSize = 3
	pool := New(cfg, factory, zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, pool.Stats().Size, cfg.MaxSize)
}
