// Package tabpool implements the tab/context acquirer: scoped
// acquisition of a usable page bound to a browser, in either tab-pool
// mode (pages are kept warm and reused) or context mode (a fresh
// incognito page per capture, closed on release).
package tabpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/metrics"
)

// Config carries the tuning knobs this package needs out of the global
// configuration.
type Config struct {
	// EnableTabReuse, when false, disables tab-pool mode entirely and
	// every acquisition falls back to a fresh incognito context. The
	// corpus is inconsistent about whether this flag should merely stop
	// reusing idle tabs or disable tab management outright; this
	// implementation takes the latter reading.
	EnableTabReuse     bool
	MaxTabsPerBrowser  int
	TabIdleTimeout     time.Duration
	TabMaxAge          time.Duration
	TabAcquireTimeout  time.Duration
	RouteSetupTimeout  time.Duration
}

// tabRecord is one pooled page owned by exactly one browser.
type tabRecord struct {
	Page      driver.Page
	CreatedAt time.Time
	LastUsed  time.Time
	InUse     bool
	Uses      int64
}

// Pool is the tab/context acquirer.
type Pool struct {
	cfg     Config
	browsers *browserpool.Pool
	logger  *zap.Logger
	metrics *metrics.Registry

	mu   sync.Mutex
	tabs map[int][]*tabRecord // browser index -> its tabs
}

// New constructs a Pool bound to the given browser pool.
func New(cfg Config, browsers *browserpool.Pool, logger *zap.Logger, registry *metrics.Registry) *Pool {
	return &Pool{
		cfg:      cfg,
		browsers: browsers,
		logger:   logger,
		metrics:  registry,
		tabs:     make(map[int][]*tabRecord),
	}
}

// Handle is a scoped acquisition: exactly one of Release is guaranteed
// to run against the resources it holds, on every exit path.
type Handle struct {
	pool        *Pool
	BrowserIdx  int
	Page        driver.Page
	tabMode     bool
	tabRecord   *tabRecord
	released    bool
	mu          sync.Mutex
}

// Acquire returns a scoped page handle, preferring tab-pool mode and
// falling back to context mode on timeout, failure, or when tab reuse
// is disabled by configuration.
func (p *Pool) Acquire(ctx context.Context, browserIdx int) (*Handle, error) {
	if p.cfg.EnableTabReuse {
		h, err := p.acquireTabPoolMode(ctx, browserIdx)
		if err == nil {
			return h, nil
		}
		p.logger.Debug("tabpool: tab-pool mode unavailable, falling back to context mode",
			zap.Int("browser_index", browserIdx), zap.Error(err))
	}
	return p.acquireContextMode(ctx, browserIdx)
}

// acquireTabPoolMode hands back a page bound to browserIdx when that
// browser has room, but a single congested browser's tab cap must not
// stall every capture waiting behind it: if browserIdx is at cap with
// nothing idle, this tries exactly one other browser from the pool
// before settling into polling whichever browser it then holds until
// TabAcquireTimeout.
func (p *Pool) acquireTabPoolMode(ctx context.Context, browserIdx int) (*Handle, error) {
	deadline := time.Now().Add(p.cfg.TabAcquireTimeout)
	if p.cfg.TabAcquireTimeout <= 0 {
		deadline = time.Now().Add(5 * time.Second)
	}

	current := browserIdx
	switched := false
	for {
		rec, shouldOpen := p.tryReuseOrReserve(current)
		if rec != nil {
			return &Handle{pool: p, BrowserIdx: current, Page: rec.Page, tabMode: true, tabRecord: rec}, nil
		}
		if shouldOpen {
			browser := p.browsers.Browser(current)
			if browser == nil {
				return nil, apierr.New(apierr.KindAcquireFailed, "tabpool: browser no longer present")
			}
			page, err := browser.NewPage(ctx)
			if err != nil {
				p.releaseReservation(current)
				return nil, apierr.Wrap(apierr.KindAcquireFailed, "tabpool: open page failed", err)
			}
			rec := p.commitNewTab(current, page)
			p.browsers.RecordPageOpened(current)
			return &Handle{pool: p, BrowserIdx: current, Page: rec.Page, tabMode: true, tabRecord: rec}, nil
		}

		if !switched {
			if other, ok := p.trySwitchBrowser(ctx, current); ok {
				p.logger.Debug("tabpool: browser at tab cap, trying another idle browser",
					zap.Int("congested_browser", current), zap.Int("candidate_browser", other))
				current = other
				switched = true
				continue
			}
			switched = true
		}

		if time.Now().After(deadline) {
			return nil, apierr.New(apierr.KindAcquireFailed, "tabpool: acquire_tab timed out")
		}
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindAcquireFailed, "tabpool: acquire cancelled", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// trySwitchBrowser hands `from` back to the browser pool and claims
// whatever browser the pool considers idle right now, so a tab-cap
// stall on one browser doesn't block an otherwise-idle fleet. On
// failure to claim a replacement within a short budget, `from` is left
// exactly as it was: still held, never released.
func (p *Pool) trySwitchBrowser(ctx context.Context, from int) (int, bool) {
	budget := p.cfg.TabAcquireTimeout / 4
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}

	next, err := p.browsers.Acquire(ctx, budget)
	if err != nil {
		return 0, false
	}
	if next == from {
		// Nothing else was idle; handing it straight back would just
		// reproduce the same congestion, so decline the swap.
		p.browsers.Release(next)
		return 0, false
	}

	p.browsers.Release(from)
	return next, true
}

// tryReuseOrReserve never sleeps: it either hands back an idle tab,
// reports shouldOpen when the browser is under its tab cap, or reports
// neither (cap reached). Nothing is recorded for a shouldOpen answer
// until commitNewTab appends the opened tab, so concurrent callers can
// each be told to open a tab and together pass the cap.
func (p *Pool) tryReuseOrReserve(browserIdx int) (rec *tabRecord, shouldOpen bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.tabs[browserIdx]
	for _, t := range list {
		if !t.InUse && p.healthyLocked(t) {
			t.InUse = true
			t.LastUsed = time.Now()
			t.Uses++
			return t, false
		}
	}

	max := p.cfg.MaxTabsPerBrowser
	if max <= 0 {
		max = 20
	}
	if len(list) < max {
		return nil, true
	}
	return nil, false
}

func (p *Pool) healthyLocked(t *tabRecord) bool {
	if p.cfg.TabMaxAge > 0 && time.Since(t.CreatedAt) >= p.cfg.TabMaxAge {
		return false
	}
	return true
}

func (p *Pool) releaseReservation(browserIdx int) {
	// No persistent reservation state is kept for tabs beyond the slice
	// length check in tryReuseOrReserve, so there is nothing to undo; a
	// failed NewPage simply leaves the slot available to the next caller.
	_ = browserIdx
}

func (p *Pool) commitNewTab(browserIdx int, page driver.Page) *tabRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	rec := &tabRecord{Page: page, CreatedAt: now, LastUsed: now, InUse: true, Uses: 1}
	p.tabs[browserIdx] = append(p.tabs[browserIdx], rec)
	return rec
}

func (p *Pool) acquireContextMode(ctx context.Context, browserIdx int) (*Handle, error) {
	browser := p.browsers.Browser(browserIdx)
	if browser == nil {
		return nil, apierr.New(apierr.KindAcquireFailed, "tabpool: browser no longer present")
	}
	page, err := browser.NewIncognitoPage(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAcquireFailed, "tabpool: open incognito page failed", err)
	}
	p.browsers.RecordPageOpened(browserIdx)
	return &Handle{pool: p, BrowserIdx: browserIdx, Page: page, tabMode: false}, nil
}

// Release returns the handle's resources exactly once. Safe to call
// multiple times and on every exit path (success, failure, or
// cancellation); subsequent calls are no-ops.
func (h *Handle) Release(ctx context.Context) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	if h.tabMode {
		h.pool.resetTab(ctx, h.tabRecord)
		return
	}
	if err := h.Page.Close(ctx); err != nil {
		h.pool.logger.Debug("tabpool: context-mode page close failed", zap.Error(err))
	}
}

// resetTab returns a page to the idle pool for reuse: navigate
// to about:blank, clear routes, mark idle. A reset failure evicts the
// tab instead of returning it broken to the pool.
func (p *Pool) resetTab(ctx context.Context, rec *tabRecord) {
	if err := rec.Page.Reset(ctx); err != nil {
		p.logger.Debug("tabpool: tab reset failed, evicting", zap.Error(err))
		p.evict(rec)
		_ = rec.Page.Close(ctx)
		return
	}
	p.mu.Lock()
	rec.InUse = false
	rec.LastUsed = time.Now()
	p.mu.Unlock()
}

func (p *Pool) evict(rec *tabRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, list := range p.tabs {
		for i, t := range list {
			if t == rec {
				p.tabs[idx] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// InvalidateBrowser drops every tab record owned by browserIdx, used
// when the owning browser is recycled out from under the pool. No
// back-pointers exist; the owning browser index is the only link.
func (p *Pool) InvalidateBrowser(browserIdx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tabs, browserIdx)
}

// Stats reports the current in-use/idle tab counts across all browsers.
type Stats struct {
	InUse int
	Idle  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, list := range p.tabs {
		for _, t := range list {
			if t.InUse {
				s.InUse++
			} else {
				s.Idle++
			}
		}
	}
	return s
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetTabPoolBusy(s.InUse)
	p.metrics.SetTabPoolIdle(s.Idle)
}

// StartBackgroundCleanup closes idle-too-long or aged-out tabs on a
// timer. It is the only periodic sweep over tab records; the watchdog
// scans browsers only.
func (p *Pool) StartBackgroundCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.sweep()
				p.updateGauges()
			}
		}
	}()
}

func (p *Pool) sweep() {
	type closeTarget struct {
		browserIdx int
		rec        *tabRecord
	}
	var stale []closeTarget

	p.mu.Lock()
	for browserIdx, list := range p.tabs {
		kept := list[:0]
		for _, t := range list {
			if t.InUse {
				kept = append(kept, t)
				continue
			}
			idle := p.cfg.TabIdleTimeout > 0 && time.Since(t.LastUsed) > p.cfg.TabIdleTimeout
			aged := p.cfg.TabMaxAge > 0 && time.Since(t.CreatedAt) > p.cfg.TabMaxAge
			if idle || aged {
				stale = append(stale, closeTarget{browserIdx, t})
				continue
			}
			kept = append(kept, t)
		}
		p.tabs[browserIdx] = kept
	}
	p.mu.Unlock()

	for _, target := range stale {
		_ = target.rec.Page.Close(context.Background())
	}
}
