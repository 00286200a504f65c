package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedProber struct {
	err error
}

func (p *scriptedProber) Capture(ctx context.Context, url string, timeout time.Duration) error {
	return p.err
}

func TestProbeOnce_RecordsSuccess(t *testing.T) {
	t.Parallel()

	checker := New(Config{Enabled: true, Interval: time.Hour, ProbeURL: "https://example.com"}, &scriptedProber{}, zap.NewNop(), nil)
	checker.probeOnce()

	snap := checker.Snapshot()
	require.True(t, snap.LastSuccess)
	require.Equal(t, int64(1), snap.TotalChecks)
}

func TestProbeOnce_RecordsFailureAndIncrementsConsecutive(t *testing.T) {
	t.Parallel()

	checker := New(Config{Enabled: true, Interval: time.Hour, ProbeURL: "https://example.com"}, &scriptedProber{err: errors.New("unreachable")}, zap.NewNop(), nil)
	checker.probeOnce()
	checker.probeOnce()

	snap := checker.Snapshot()
	require.False(t, snap.LastSuccess)
	require.Equal(t, 2, snap.ConsecutiveFailures)
	require.Equal(t, "unreachable", snap.LastError)
}

func TestProbeOnce_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	prober := &scriptedProber{err: errors.New("unreachable")}
	checker := New(Config{Enabled: true, Interval: time.Hour, ProbeURL: "https://example.com"}, prober, zap.NewNop(), nil)
	checker.probeOnce()
	require.Equal(t, 1, checker.Snapshot().ConsecutiveFailures)

	prober.err = nil
	checker.probeOnce()
	require.Equal(t, 0, checker.Snapshot().ConsecutiveFailures)
}
