package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUtilization struct{ v float64 }

func (f fakeUtilization) Utilization() float64 { return f.v }

func baseConfig() Config {
	return Config{
		MaxConcurrentScreenshots: 2,
		MaxConcurrentContexts:    4,
		EnableRequestQueue:       false,
		MaxQueueSize:             10,
		QueueTimeout:             50 * time.Millisecond,
		EnableLoadShedding:       true,
		LoadSheddingThreshold:    0.85,
		CircuitBreakerThreshold:  3,
		CircuitBreakerResetTime:  50 * time.Millisecond,
	}
}

func TestAdmit_RejectsAtLoadSheddingThreshold(t *testing.T) {
	t.Parallel()

	ctrl := New(baseConfig(), fakeUtilization{v: 0.85}, zap.NewNop(), nil)
	_, err := ctrl.Admit(context.Background())
	require.Error(t, err)
}

func TestAdmit_AllowsBelowThreshold(t *testing.T) {
	t.Parallel()

	ctrl := New(baseConfig(), fakeUtilization{v: 0.5}, zap.NewNop(), nil)
	ticket, err := ctrl.Admit(context.Background())
	require.NoError(t, err)
	ticket.Outcome(true)
	ticket.Release()
}

func TestCircuitBreaker_OpensAtThresholdNotBefore(t *testing.T) {
	t.Parallel()

	ctrl := New(baseConfig(), fakeUtilization{v: 0}, zap.NewNop(), nil)

	for i := 0; i < 2; i++ {
		ticket, err := ctrl.Admit(context.Background())
		require.NoError(t, err)
		ticket.Outcome(false)
		ticket.Release()
		require.Equal(t, "closed", ctrl.CircuitStateName(), "must not open before threshold consecutive failures")
	}

	ticket, err := ctrl.Admit(context.Background())
	require.NoError(t, err)
	ticket.Outcome(false)
	ticket.Release()
	require.Equal(t, "open", ctrl.CircuitStateName())

	_, err = ctrl.Admit(context.Background())
	require.Error(t, err)
}

func TestCircuitBreaker_HalfOpenProbeRecoversOnSuccess(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.CircuitBreakerThreshold = 1
	cfg.CircuitBreakerResetTime = 10 * time.Millisecond
	ctrl := New(cfg, fakeUtilization{v: 0}, zap.NewNop(), nil)

	ticket, err := ctrl.Admit(context.Background())
	require.NoError(t, err)
	ticket.Outcome(false)
	ticket.Release()
	require.Equal(t, "open", ctrl.CircuitStateName())

	time.Sleep(20 * time.Millisecond)

	probe, err := ctrl.Admit(context.Background())
	require.NoError(t, err, "after reset_time a single probe should be admitted")
	probe.Outcome(true)
	probe.Release()
	require.Equal(t, "closed", ctrl.CircuitStateName())

	next, err := ctrl.Admit(context.Background())
	require.NoError(t, err)
	next.Outcome(true)
	next.Release()
}

func TestAdmit_CancelledBeforeCaptureLeavesSemaphoreUnchanged(t *testing.T) {
	t.Parallel()

	ctrl := New(baseConfig(), fakeUtilization{v: 0}, zap.NewNop(), nil)
	ticket, err := ctrl.Admit(context.Background())
	require.NoError(t, err)

	ticket.Release()

	// A second admission must succeed immediately, proving the first
	// release fully returned both semaphore slots.
	ticket2, err := ctrl.Admit(context.Background())
	require.NoError(t, err)
	ticket2.Release()
}

func TestRelease_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := New(baseConfig(), fakeUtilization{v: 0}, zap.NewNop(), nil)
	ticket, err := ctrl.Admit(context.Background())
	require.NoError(t, err)

	require.NotPanics(t, func() {
		ticket.Release()
		ticket.Release()
	})
}
