// Package browserpool implements the fixed-capacity browser process
// pool: acquire/release/recycle with health, age, and idle-based
// replacement, guarded by a single lock that is never held across
// sleeps or driver I/O.
package browserpool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/metrics"
)

// Record is one pooled browser process. All mutable fields are only
// ever touched while the Pool's mutex is held.
type Record struct {
	Index      int
	Browser    driver.Browser
	CreatedAt  time.Time
	LastUsed   time.Time
	InUse      bool
	AgePages   int64
	ErrorCount int64
}

// Config carries the subset of the global configuration this pool
// needs, so tests can construct one without the full config.Config.
type Config struct {
	MinSize         int
	MaxSize         int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	HealthThreshold int
	MaxPages        int64
	ScaleThreshold  float64
	ScaleFactor     int
	MaxWaitAttempts int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// Pool is the browser process pool.
type Pool struct {
	cfg     Config
	factory driver.Factory
	logger  *zap.Logger
	metrics *metrics.Registry

	mu        sync.Mutex
	records   map[int]*Record
	available []int
	nextIndex int
	pending   int // reserved-but-not-yet-launched capacity
	closed    bool

	createdTotal   uint64
	recycledTotal  uint64
}

// New constructs an empty Pool. Browsers are launched lazily on first
// acquire, up to cfg.MinSize kept warm by WarmUp.
func New(cfg Config, factory driver.Factory, logger *zap.Logger, registry *metrics.Registry) *Pool {
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		metrics:   registry,
		records:   make(map[int]*Record),
		available: make([]int, 0, cfg.MaxSize),
	}
}

// WarmUp launches MinSize browsers eagerly, used at startup.
func (p *Pool) WarmUp(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		idx, err := p.Acquire(ctx, 30*time.Second)
		if err != nil {
			return err
		}
		p.Release(idx)
	}
	return nil
}

// tryAcquireOrReserve is the only function that touches pool state for
// the fast path of Acquire. It never blocks and never sleeps: either it
// hands back an already-idle browser, reserves a launch slot for the
// caller to fill outside the lock, or reports the pool is at capacity.
func (p *Pool) tryAcquireOrReserve() (idx int, shouldLaunch bool, full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.available); n > 0 {
		idx = p.available[n-1]
		p.available = p.available[:n-1]
		rec := p.records[idx]
		rec.InUse = true
		rec.LastUsed = time.Now()
		return idx, false, false
	}

	if len(p.records)+p.pending < p.cfg.MaxSize {
		p.pending++
		return -1, true, false
	}

	return -1, false, true
}

func (p *Pool) releaseReservation() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

func (p *Pool) commitNewBrowser(b driver.Browser) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.nextIndex
	p.nextIndex++
	p.pending--
	now := time.Now()
	p.records[idx] = &Record{
		Index:     idx,
		Browser:   b,
		CreatedAt: now,
		LastUsed:  now,
		InUse:     true,
	}
	p.createdTotal++
	return idx
}

// Acquire returns the index of an idle, healthy browser, launching a
// new one if the pool is below cfg.MaxSize, or waiting with bounded
// exponential backoff and jitter otherwise. The pool lock is acquired
// and released around each fast check; sleeping always happens
// outside the critical section.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	delay := p.cfg.BaseBackoff
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	maxDelay := p.cfg.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	maxAttempts := p.cfg.MaxWaitAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx, shouldLaunch, full := p.tryAcquireOrReserve()
		if !shouldLaunch && !full {
			p.maybeScalePreemptively()
			return idx, nil
		}

		if shouldLaunch {
			browser, err := p.factory.Launch(ctx)
			if err != nil {
				p.releaseReservation()
				p.logger.Warn("browserpool: launch failed", zap.Error(err))
				if time.Now().After(deadline) {
					return 0, apierr.Wrap(apierr.KindAcquireFailed, "browser launch failed", err)
				}
				sleepWithJitter(ctx, delay)
				delay = nextDelay(delay, maxDelay)
				continue
			}
			idx := p.commitNewBrowser(browser)
			p.updateGauges()
			return idx, nil
		}

		// full: wait and retry.
		if time.Now().After(deadline) {
			return 0, apierr.New(apierr.KindAcquireFailed, "browser pool exhausted")
		}
		select {
		case <-ctx.Done():
			return 0, apierr.Wrap(apierr.KindAcquireFailed, "acquire cancelled", ctx.Err())
		default:
		}
		sleepWithJitter(ctx, delay)
		delay = nextDelay(delay, maxDelay)
	}

	return 0, apierr.New(apierr.KindAcquireFailed, "browser pool exhausted after max wait attempts")
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// maybeScalePreemptively launches additional browsers in the background
// when utilization has crossed scale_threshold.
func (p *Pool) maybeScalePreemptively() {
	p.mu.Lock()
	size := len(p.records) + p.pending
	inUse := 0
	for _, r := range p.records {
		if r.InUse {
			inUse++
		}
	}
	var util float64
	if size > 0 {
		util = float64(inUse) / float64(size)
	}
	room := p.cfg.MaxSize - size
	p.mu.Unlock()

	if util < p.cfg.ScaleThreshold || room <= 0 {
		return
	}

	toLaunch := p.cfg.ScaleFactor
	if toLaunch > room {
		toLaunch = room
	}
	for i := 0; i < toLaunch; i++ {
		go p.launchSpare()
	}
}

func (p *Pool) launchSpare() {
	p.mu.Lock()
	if len(p.records)+p.pending >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.mu.Unlock()

	browser, err := p.factory.Launch(context.Background())
	if err != nil {
		p.releaseReservation()
		p.logger.Warn("browserpool: preemptive scale launch failed", zap.Error(err))
		return
	}

	idx := p.commitNewBrowser(browser)
	p.Release(idx)
}

// Release marks a browser idle unconditionally. It is never gated on
// the outcome of a health check: an unhealthy browser is scheduled for
// asynchronous recycling only after release has already succeeded.
func (p *Pool) Release(idx int) {
	p.mu.Lock()
	rec, ok := p.records[idx]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.InUse = false
	rec.LastUsed = time.Now()
	p.available = append(p.available, idx)
	healthy := p.isHealthyLocked(rec)
	p.mu.Unlock()

	p.updateGauges()

	if !healthy {
		go p.Recycle(idx)
	}
}

// ForceRelease is invoked by the watchdog on a browser that has been
// in_use longer than force_release_after. Unlike Release it does not
// require the caller to still hold logical ownership.
func (p *Pool) ForceRelease(idx int) bool {
	p.mu.Lock()
	rec, ok := p.records[idx]
	if !ok || !rec.InUse {
		p.mu.Unlock()
		return false
	}
	rec.InUse = false
	rec.LastUsed = time.Now()
	p.available = append(p.available, idx)
	p.mu.Unlock()

	p.updateGauges()
	go p.Recycle(idx)
	return true
}

// Recycle tears down a browser process and removes it from the pool,
// allowing a future Acquire to launch a fresh one on demand.
func (p *Pool) Recycle(idx int) {
	p.mu.Lock()
	rec, ok := p.records[idx]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.records, idx)
	p.removeFromAvailableLocked(idx)
	p.recycledTotal++
	p.mu.Unlock()

	if err := rec.Browser.Close(context.Background()); err != nil {
		p.logger.Warn("browserpool: close failed during recycle", zap.Int("index", idx), zap.Error(err))
	}
	p.updateGauges()
}

// ForceRecycle is invoked by the watchdog on a hard-stuck browser: it
// recycles immediately without waiting for release.
func (p *Pool) ForceRecycle(idx int) {
	p.Recycle(idx)
	if p.metrics != nil {
		p.metrics.WatchdogForceRecycles.Inc()
	}
}

func (p *Pool) removeFromAvailableLocked(idx int) {
	for i, v := range p.available {
		if v == idx {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

func (p *Pool) isHealthyLocked(rec *Record) bool {
	if rec.ErrorCount >= int64(p.cfg.HealthThreshold) {
		return false
	}
	if p.cfg.MaxPages > 0 && rec.AgePages >= p.cfg.MaxPages {
		return false
	}
	if p.cfg.MaxAge > 0 && time.Since(rec.CreatedAt) >= p.cfg.MaxAge {
		return false
	}
	return rec.Browser.Connected(context.Background())
}

// RecordError increments a browser's error counter, used by the
// capture pipeline on any failure observed while using that browser.
func (p *Pool) RecordError(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[idx]; ok {
		rec.ErrorCount++
	}
}

// RecordPageOpened increments a browser's age-in-pages counter.
func (p *Pool) RecordPageOpened(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[idx]; ok {
		rec.AgePages++
	}
}

// Browser returns the driver.Browser for idx, or nil if it no longer
// exists (e.g. recycled out from under a stale caller).
func (p *Pool) Browser(idx int) driver.Browser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[idx]; ok {
		return rec.Browser
	}
	return nil
}

// LastUsed returns the last-used timestamp for idx, used by the
// watchdog's stuck-browser scan.
func (p *Pool) LastUsed(idx int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[idx]
	if !ok {
		return time.Time{}, false
	}
	return rec.LastUsed, true
}

// InUseIndices returns the indices of every browser currently checked
// out, used by the watchdog to scan for stuck browsers.
func (p *Pool) InUseIndices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.records))
	for idx, rec := range p.records {
		if rec.InUse {
			out = append(out, idx)
		}
	}
	return out
}

// Stats is the snapshot returned by the pool admin/metrics surface.
type Stats struct {
	Size          int    `json:"size"`
	InUse         int    `json:"in_use"`
	Available     int    `json:"available"`
	Errors        int64  `json:"errors"`
	CreatedTotal  uint64 `json:"created_total"`
	RecycledTotal uint64 `json:"recycled_total"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs int64
	inUse := 0
	for _, rec := range p.records {
		errs += rec.ErrorCount
		if rec.InUse {
			inUse++
		}
	}
	return Stats{
		Size:          len(p.records),
		InUse:         inUse,
		Available:     len(p.available),
		Errors:        errs,
		CreatedTotal:  p.createdTotal,
		RecycledTotal: p.recycledTotal,
	}
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.SetBrowserPoolSize(stats.Size)
	p.metrics.SetBrowserPoolBusy(stats.InUse)
}

// Utilization returns in_use/size, used by admission control's load
// shedding check. A pool with zero browsers is reported as fully
// utilized so an empty pool doesn't look artificially idle.
func (p *Pool) Utilization() float64 {
	stats := p.Stats()
	if stats.Size == 0 {
		return 1
	}
	return float64(stats.InUse) / float64(stats.Size)
}

// Close tears down every browser in the pool. Intended for graceful
// shutdown only.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	indices := make([]int, 0, len(p.records))
	for idx := range p.records {
		indices = append(indices, idx)
	}
	p.mu.Unlock()

	for _, idx := range indices {
		p.Recycle(idx)
	}
}

// StartBackgroundCleanup launches the periodic idle/age sweep,
// recycling browsers that have drifted unhealthy while sitting idle.
func (p *Pool) StartBackgroundCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.sweepIdle()
			}
		}
	}()
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	var stale []int
	for idx, rec := range p.records {
		if rec.InUse {
			continue
		}
		idle := time.Since(rec.LastUsed) > p.cfg.IdleTimeout
		if idle || !p.isHealthyLocked(rec) {
			stale = append(stale, idx)
		}
	}
	p.mu.Unlock()

	for _, idx := range stale {
		p.Recycle(idx)
	}
}
