// Package capture implements the capture pipeline: acquire a page,
// install the request interceptor, navigate with strategy fallback and
// fresh-browser retry, screenshot, and release — every exit path
// releasing its scoped resources exactly once.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/intercept"
	"github.com/mrfansi/web2img/internal/rescache"
	"github.com/mrfansi/web2img/internal/rewriter"
	"github.com/mrfansi/web2img/internal/tabpool"
)

// strategyOrder weights are the fraction of the base navigation timeout
// allotted to each strategy, tried in this fixed order.
var strategyOrder = []struct {
	strategy driver.Strategy
	weight   float64
}{
	{driver.StrategyCommit, 0.40},
	{driver.StrategyDOMContentLoaded, 0.70},
	{driver.StrategyNetworkIdle, 0.50},
	{driver.StrategyLoad, 0.90},
}

// Config carries the capture pipeline's tuning knobs.
type Config struct {
	NavigationTimeout time.Duration
	SettleTimeout     time.Duration
	ScreenshotTimeout time.Duration
	RouteSetupTimeout time.Duration
	MaxFreshRetries   int
	OutputDir         string
}

// Request is one capture invocation.
type Request struct {
	URL      string
	Width    int
	Height   int
	Format   driver.Format
	Deadline time.Time
}

// Result is a successful capture's output.
type Result struct {
	Path       string
	Strategy   driver.Strategy
	Duration   time.Duration
	Interceptor intercept.Counters
}

// Pipeline is the capture pipeline.
type Pipeline struct {
	cfg       Config
	browsers  *browserpool.Pool
	tabs      *tabpool.Pool
	rewriter  *rewriter.Rewriter
	rescache  *rescache.Cache
	blockPolicy intercept.BlockPolicy
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(cfg Config, browsers *browserpool.Pool, tabs *tabpool.Pool, rw *rewriter.Rewriter, cache *rescache.Cache, blockPolicy intercept.BlockPolicy, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		browsers:    browsers,
		tabs:        tabs,
		rewriter:    rw,
		rescache:    cache,
		blockPolicy: blockPolicy,
		logger:      logger,
	}
}

// Capture runs one end-to-end screenshot. The returned error,
// if any, unwraps to an *apierr.Error with an already-assigned kind.
// Capture runs one end-to-end screenshot. Ownership of
// browserIdx transfers in from the caller; Capture releases whichever
// browser it currently holds — the original or, after a fresh-browser
// retry, its replacement — exactly once before returning, on every exit
// path.
func (p *Pipeline) Capture(ctx context.Context, req Request, browserIdx int, scaleFactor float64) (*Result, error) {
	start := time.Now()
	navURL := p.rewriter.Rewrite(req.URL)

	current := browserIdx
	held := true
	defer func() {
		if held {
			p.browsers.Release(current)
		}
	}()

	fresh := 0
	for {
		result, usedIdx, err := p.captureOnBrowser(ctx, req, navURL, current, scaleFactor)
		// The tab acquirer may have handed back a different, less
		// congested browser than the one we walked in with; adopt it so
		// the remaining error handling and the deferred release above
		// target whichever browser is actually held.
		current = usedIdx
		if err == nil {
			result.Duration = time.Since(start)
			return result, nil
		}

		apiErr, ok := apierr.As(err)
		if !ok || apiErr.Kind != apierr.KindTargetClosed {
			return nil, err
		}

		fresh++
		maxFresh := p.cfg.MaxFreshRetries
		if maxFresh <= 0 {
			maxFresh = 3
		}
		if fresh > maxFresh {
			return nil, apierr.Wrap(apierr.KindTargetClosed, "capture: exhausted fresh-browser retries", err).WithAttempt(fresh)
		}

		p.browsers.RecordError(current)

		// The replacement is acquired while current is still held, so the
		// pool cannot hand the faulting browser straight back.
		next, acquireErr := p.browsers.Acquire(ctx, 10*time.Second)
		if acquireErr != nil {
			return nil, acquireErr
		}
		p.browsers.Release(current)
		current = next
	}
}

// captureOnBrowser runs one attempt against browserIdx and returns the
// browser it actually ran on. That is usually browserIdx itself, but the
// tab acquirer is free to redirect to a different, idler browser when
// browserIdx's tab pool is at capacity; the returned index is
// authoritative for the caller's subsequent release and retry
// bookkeeping regardless of which branch produced it.
func (p *Pipeline) captureOnBrowser(ctx context.Context, req Request, navURL string, browserIdx int, scaleFactor float64) (*Result, int, error) {
	handle, err := p.tabs.Acquire(ctx, browserIdx)
	if err != nil {
		return nil, browserIdx, err
	}
	defer handle.Release(ctx)
	browserIdx = handle.BrowserIdx

	if err := handle.Page.SetViewport(ctx, req.Width, req.Height); err != nil {
		return nil, browserIdx, apierr.Wrap(apierr.KindInternal, "capture: set viewport failed", err)
	}

	var interceptor *intercept.Handler
	if p.rescache != nil {
		pageHost := ""
		if parsed, parseErr := url.Parse(navURL); parseErr == nil {
			pageHost = parsed.Hostname()
		}
		interceptor = intercept.New(p.rescache, p.blockPolicy, pageHost, p.logger)
		routeTimeout := scaled(p.cfg.RouteSetupTimeout, scaleFactor)
		if err := handle.Page.InstallInterceptor(ctx, interceptor, routeTimeout); err != nil {
			p.logger.Debug("capture: interceptor install failed, continuing without it", zap.Error(err))
		}
	}

	strategy, err := p.navigateWithFallback(ctx, handle.Page, navURL, scaleFactor)
	if err != nil {
		return nil, browserIdx, err
	}

	settle := scaled(p.cfg.SettleTimeout, scaleFactor)
	if settle > 0 {
		timer := time.NewTimer(settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	path, err := p.screenshot(ctx, handle.Page, req.Format, scaleFactor)
	if err != nil {
		return nil, browserIdx, err
	}

	result := &Result{Path: path, Strategy: strategy}
	if interceptor != nil {
		result.Interceptor = interceptor.Counters()
	}
	return result, browserIdx, nil
}

// navigateWithFallback tries each strategy in order, escalating
// target-closed failures immediately and surfacing network failures
// only after every strategy has been exhausted.
func (p *Pipeline) navigateWithFallback(ctx context.Context, page driver.Page, navURL string, scaleFactor float64) (driver.Strategy, error) {
	base := p.cfg.NavigationTimeout
	if base <= 0 {
		base = 30 * time.Second
	}

	var lastErr, unreachableErr error
	for _, s := range strategyOrder {
		timeout := scaled(time.Duration(float64(base)*s.weight), scaleFactor)
		err := page.Navigate(ctx, navURL, s.strategy, timeout)
		if err == nil {
			return s.strategy, nil
		}

		var navErr *driver.NavError
		if asNavError(err, &navErr) {
			switch navErr.Class {
			case driver.NavClassTargetClosed:
				return "", apierr.Wrap(apierr.KindTargetClosed, "capture: target closed mid-navigation", err)
			case driver.NavClassUnreachable:
				unreachableErr = err
				lastErr = err
				continue
			case driver.NavClassTimeout:
				lastErr = err
				continue
			}
		}
		lastErr = err
	}

	if unreachableErr != nil {
		return "", apierr.Wrap(apierr.KindNavigateUnreachable, "capture: navigation unreachable", unreachableErr)
	}
	return "", apierr.Wrap(apierr.KindNavigateTimeout, "capture: all navigation strategies exhausted", lastErr)
}

func (p *Pipeline) screenshot(ctx context.Context, page driver.Page, format driver.Format, scaleFactor float64) (string, error) {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "capture: create output dir failed", err)
	}
	path := filepath.Join(p.cfg.OutputDir, fmt.Sprintf("%d.%s", time.Now().UnixNano(), format))

	timeout := scaled(p.cfg.ScreenshotTimeout, scaleFactor)
	err := page.Screenshot(ctx, path, format, timeout)
	if err == nil {
		return path, nil
	}

	var navErr *driver.NavError
	if asNavError(err, &navErr) && navErr.Class == driver.NavClassTargetClosed {
		return "", apierr.Wrap(apierr.KindTargetClosed, "capture: target closed during screenshot", err)
	}
	if navErr == nil || navErr.Class != driver.NavClassTimeout {
		_ = os.Remove(path)
		return "", apierr.Wrap(apierr.KindScreenshotFailed, "capture: screenshot failed", err)
	}

	// One retry allowed on a plain timeout.
	err = page.Screenshot(ctx, path, format, timeout)
	if err != nil {
		_ = os.Remove(path)
		return "", apierr.Wrap(apierr.KindScreenshotFailed, "capture: screenshot failed after retry", err)
	}
	return path, nil
}

// scaled applies the adaptive-timeout multiplier derived from pool
// utilization: timeouts shrink as utilization climbs past
// 0.70 so failures are detected faster under load.
func scaled(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

// AdaptiveFactor computes the timeout-scaling multiplier from current pool
// utilization.
func AdaptiveFactor(utilization float64) float64 {
	if utilization <= 0.70 {
		return 1.0
	}
	factor := 1 - (utilization-0.70)*1.67
	if factor < 0.5 {
		return 0.5
	}
	return factor
}

func asNavError(err error, target **driver.NavError) bool {
	return errors.As(err, target)
}
