// Package watchdog implements the watchdog: a background scan
// that force-releases browsers stuck in use past force_release_after
// and force-recycles ones stuck past hard_stuck_after. It does not scan
// tab records; tabpool.Pool.StartBackgroundCleanup sweeps those.
package watchdog

import (
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/metrics"
)

// BrowserScanner is the subset of *browserpool.Pool the watchdog needs.
type BrowserScanner interface {
	InUseIndices() []int
	LastUsed(idx int) (time.Time, bool)
	ForceRelease(idx int) bool
	ForceRecycle(idx int)
}

// Config carries the watchdog's tuning knobs.
type Config struct {
	Interval          time.Duration
	ForceReleaseAfter time.Duration
	HardStuckAfter    time.Duration
}

// Watchdog is the liveness enforcer.
type Watchdog struct {
	cfg      Config
	browsers BrowserScanner
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New constructs a Watchdog.
func New(cfg Config, browsers BrowserScanner, logger *zap.Logger, registry *metrics.Registry) *Watchdog {
	return &Watchdog{cfg: cfg, browsers: browsers, logger: logger, metrics: registry}
}

// Run blocks, scanning every cfg.Interval until stop is closed.
func (w *Watchdog) Run(stop <-chan struct{}) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.scanOnce()
		}
	}
}

func (w *Watchdog) scanOnce() {
	forceReleaseAfter := w.cfg.ForceReleaseAfter
	if forceReleaseAfter <= 0 {
		forceReleaseAfter = 120 * time.Second
	}
	hardStuckAfter := w.cfg.HardStuckAfter
	if hardStuckAfter <= 0 {
		hardStuckAfter = 300 * time.Second
	}

	released, recycled := 0, 0
	now := time.Now()

	for _, idx := range w.browsers.InUseIndices() {
		lastUsed, ok := w.browsers.LastUsed(idx)
		if !ok {
			continue
		}
		stuckFor := now.Sub(lastUsed)

		switch {
		case stuckFor > hardStuckAfter:
			w.browsers.ForceRecycle(idx)
			recycled++
		case stuckFor > forceReleaseAfter:
			if w.browsers.ForceRelease(idx) {
				released++
			}
		}
	}

	if released > 0 || recycled > 0 {
		w.logger.Info("watchdog: scan completed", zap.Int("force_released", released), zap.Int("force_recycled", recycled))
	}
	if w.metrics != nil {
		for i := 0; i < released; i++ {
			w.metrics.WatchdogForceReleases.Inc()
		}
	}
}
