// Package health implements the health prober: a background task
// that periodically issues a synthetic capture against a configured
// probe URL and tracks liveness without altering admission state.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/metrics"
)

// Prober runs the capture function on a timer and records outcomes.
type Prober interface {
	Capture(ctx context.Context, url string, timeout time.Duration) error
}

// Config carries the health prober's tuning knobs.
type Config struct {
	Enabled  bool
	Interval time.Duration
	ProbeURL string
	Timeout  time.Duration
}

// Checker is the health prober.
type Checker struct {
	cfg     Config
	prober  Prober
	logger  *zap.Logger
	metrics *metrics.Registry

	mu                  sync.Mutex
	lastSuccess         bool
	lastCheckedAt       time.Time
	lastDuration        time.Duration
	lastError           string
	consecutiveFailures int
	totalChecks         int64
}

// New constructs a Checker.
func New(cfg Config, prober Prober, logger *zap.Logger, registry *metrics.Registry) *Checker {
	return &Checker{cfg: cfg, prober: prober, logger: logger, metrics: registry}
}

// Run blocks, issuing a probe every cfg.Interval until stop is closed.
// A no-op if probing is disabled by configuration.
func (c *Checker) Run(stop <-chan struct{}) {
	if !c.cfg.Enabled {
		return
	}
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.probeOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.probeOnce()
		}
	}
}

func (c *Checker) probeOnce() {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := c.prober.Capture(ctx, c.cfg.ProbeURL, timeout)
	duration := time.Since(start)

	c.mu.Lock()
	c.totalChecks++
	c.lastCheckedAt = time.Now()
	c.lastDuration = duration
	if err != nil {
		c.lastSuccess = false
		c.lastError = err.Error()
		c.consecutiveFailures++
	} else {
		c.lastSuccess = true
		c.lastError = ""
		c.consecutiveFailures = 0
	}
	success := c.lastSuccess
	failures := c.consecutiveFailures
	c.mu.Unlock()

	if c.metrics != nil {
		if success {
			c.metrics.HealthLastCheckSuccess.Set(1)
		} else {
			c.metrics.HealthLastCheckSuccess.Set(0)
		}
	}

	if !success {
		c.logger.Warn("health: probe failed",
			zap.String("url", c.cfg.ProbeURL), zap.Int("consecutive_failures", failures), zap.Error(err))
	}
}

// Snapshot is the JSON view returned by GET /health.
type Snapshot struct {
	Enabled             bool      `json:"enabled"`
	LastSuccess         bool      `json:"last_success"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitempty"`
	LastDurationMs      int64     `json:"last_duration_ms"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
}

func (c *Checker) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Enabled:             c.cfg.Enabled,
		LastSuccess:         c.lastSuccess,
		LastCheckedAt:       c.lastCheckedAt,
		LastDurationMs:      c.lastDuration.Milliseconds(),
		LastError:           c.lastError,
		ConsecutiveFailures: c.consecutiveFailures,
		TotalChecks:         c.totalChecks,
	}
}
