package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBrowserScanner struct {
	lastUsed      map[int]time.Time
	inUse         []int
	released      map[int]bool
	recycled      map[int]bool
}

func newFakeScanner() *fakeBrowserScanner {
	return &fakeBrowserScanner{
		lastUsed: make(map[int]time.Time),
		released: make(map[int]bool),
		recycled: make(map[int]bool),
	}
}

func (f *fakeBrowserScanner) InUseIndices() []int { return f.inUse }
func (f *fakeBrowserScanner) LastUsed(idx int) (time.Time, bool) {
	t, ok := f.lastUsed[idx]
	return t, ok
}
func (f *fakeBrowserScanner) ForceRelease(idx int) bool {
	f.released[idx] = true
	return true
}
func (f *fakeBrowserScanner) ForceRecycle(idx int) { f.recycled[idx] = true }

func TestScanOnce_ForceReleasesStuckBrowser(t *testing.T) {
	t.Parallel()

	scanner := newFakeScanner()
	scanner.inUse = []int{1}
	scanner.lastUsed[1] = time.Now().Add(-200 * time.Second)

	wd := New(Config{ForceReleaseAfter: 120 * time.Second, HardStuckAfter: 300 * time.Second}, scanner, zap.NewNop(), nil)
	wd.scanOnce()

	require.True(t, scanner.released[1])
	require.False(t, scanner.recycled[1])
}

func TestScanOnce_ForceRecyclesHardStuckBrowser(t *testing.T) {
	t.Parallel()

	scanner := newFakeScanner()
	scanner.inUse = []int{1}
	scanner.lastUsed[1] = time.Now().Add(-400 * time.Second)

	wd := New(Config{ForceReleaseAfter: 120 * time.Second, HardStuckAfter: 300 * time.Second}, scanner, zap.NewNop(), nil)
	wd.scanOnce()

	require.True(t, scanner.recycled[1])
}

func TestScanOnce_DoesNotActBeforeThreshold(t *testing.T) {
	t.Parallel()

	scanner := newFakeScanner()
	scanner.inUse = []int{1}
	scanner.lastUsed[1] = time.Now().Add(-60 * time.Second)

	wd := New(Config{ForceReleaseAfter: 120 * time.Second, HardStuckAfter: 300 * time.Second}, scanner, zap.NewNop(), nil)
	wd.scanOnce()

	require.False(t, scanner.released[1])
	require.False(t, scanner.recycled[1])
}
