// Package chromedriver implements driver.Factory/Browser/Page on top of
// chromedp and cdproto, talking to real headless Chrome processes over
// the DevTools protocol.
package chromedriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/driver"
)

// Options configures the exec allocator shared by every launched
// browser.
type Options struct {
	ExecPath  string
	UserAgent string
	ExtraArgs []chromedp.ExecAllocatorOption
	Logger    *zap.Logger
}

// Factory launches browsers via chromedp's exec allocator.
type Factory struct {
	opts Options
}

// NewFactory builds a Factory from Options.
func NewFactory(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Factory{opts: opts}
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("metrics-recording-only", true),
	}
	if f.opts.ExecPath != "" {
		opts = append([]chromedp.ExecAllocatorOption{chromedp.ExecPath(f.opts.ExecPath)}, opts...)
	}
	if f.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.opts.UserAgent))
	}
	return append(opts, f.opts.ExtraArgs...)
}

// Launch starts a new Chrome process and returns a Browser bound to it.
func (f *Factory) Launch(ctx context.Context) (driver.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedriver: launch: %w", err)
	}

	return &Browser{
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		browserCtx:   browserCtx,
		browserClose: browserCancel,
		logger:       f.opts.Logger,
	}, nil
}

// Browser wraps one chromedp browser-level context.
type Browser struct {
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	pageCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(pageCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("chromedriver: new page: %w", err)
	}
	return &Page{ctx: pageCtx, cancel: cancel, logger: b.logger}, nil
}

func (b *Browser) NewIncognitoPage(ctx context.Context) (driver.Page, error) {
	// This opens an ordinary tab exactly as NewPage does: the tab lives in
	// the browser's default context and shares cookies, storage and HTTP
	// cache with every other tab of the same browser. No separate browser
	// context is created.
	return b.NewPage(ctx)
}

func (b *Browser) Connected(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(b.browserCtx, 2*time.Second)
	defer cancel()
	var res string
	err := chromedp.Run(checkCtx, chromedp.Evaluate("1+1", &res))
	return err == nil
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.browserClose()
	b.allocCancel()
	return nil
}

// Page wraps one chromedp tab-level context.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu              sync.Mutex
	interceptor     driver.RequestHandler
	interceptorLive bool
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return chromedp.Run(p.ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *Page) InstallInterceptor(ctx context.Context, handler driver.RequestHandler, timeout time.Duration) error {
	installCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	if err := chromedp.Run(installCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
	})); err != nil {
		return fmt.Errorf("chromedriver: install interceptor: %w", err)
	}

	p.mu.Lock()
	p.interceptor = handler
	p.interceptorLive = true
	p.mu.Unlock()

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go p.handlePaused(paused)
	})

	return nil
}

func (p *Page) handlePaused(ev *fetch.EventRequestPaused) {
	p.mu.Lock()
	handler := p.interceptor
	live := p.interceptorLive
	p.mu.Unlock()
	if !live || handler == nil {
		return
	}

	cmdCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	c := chromedp.FromContext(cmdCtx)
	exec := cdp.WithExecutor(cmdCtx, c.Target)

	decision := handler.Decide(cmdCtx, driver.RequestEvent{
		RequestID:    string(ev.RequestID),
		URL:          ev.Request.URL,
		Host:         hostOf(ev.Request.URL),
		ResourceType: ev.ResourceType.String(),
	})

	switch decision.Outcome {
	case driver.OutcomeAbort:
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
	case driver.OutcomeFulfill:
		headers := []*fetch.HeaderEntry{{Name: "content-type", Value: decision.ContentType}}
		status := int64(decision.StatusCode)
		if status == 0 {
			status = 200
		}
		err := fetch.FulfillRequest(ev.RequestID, status).
			WithResponseHeaders(headers).
			WithBody(encodeBody(decision.Body)).
			Do(exec)
		if err != nil {
			p.logger.Debug("chromedriver: fulfill failed, continuing instead", zap.Error(err))
			_ = fetch.ContinueRequest(ev.RequestID).Do(exec)
		}
	default:
		if err := fetch.ContinueRequest(ev.RequestID).Do(exec); err != nil {
			_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(exec)
			return
		}
	}

	if decision.Outcome != driver.OutcomeAbort {
		handler.OnResponse(cmdCtx, driver.ResponseEvent{
			RequestID:   string(ev.RequestID),
			URL:         ev.Request.URL,
			StatusCode:  decision.StatusCode,
			ContentType: decision.ContentType,
			Body:        decision.Body,
		})
	}
}

func hostOf(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx != -1 {
		rest := rawURL[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			rest = rest[:slash]
		}
		return rest
	}
	return rawURL
}

func encodeBody(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}

func (p *Page) Navigate(ctx context.Context, rawURL string, strategy driver.Strategy, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var waitCond chromedp.Action
	switch strategy {
	case driver.StrategyCommit:
		waitCond = chromedp.Navigate(rawURL)
	case driver.StrategyDOMContentLoaded:
		waitCond = chromedp.ActionFunc(func(actCtx context.Context) error {
			return chromedp.Run(actCtx, chromedp.Navigate(rawURL), waitForEvent(actCtx, "DOMContentLoaded"))
		})
	case driver.StrategyNetworkIdle:
		waitCond = chromedp.ActionFunc(func(actCtx context.Context) error {
			return chromedp.Run(actCtx, chromedp.Navigate(rawURL), waitForEvent(actCtx, "networkIdle"))
		})
	case driver.StrategyLoad:
		waitCond = chromedp.ActionFunc(func(actCtx context.Context) error {
			return chromedp.Run(actCtx, chromedp.Navigate(rawURL), waitForEvent(actCtx, "load"))
		})
	default:
		waitCond = chromedp.Navigate(rawURL)
	}

	err := chromedp.Run(navCtx, waitCond)
	if err == nil {
		return nil
	}
	return classifyNavError(err)
}

// waitForEvent blocks until a page.EventLifecycleEvent with the given
// name fires for the page's current frame/loader, mirroring how a
// richer renderer correlates lifecycle callbacks to the navigation that
// triggered them.
func waitForEvent(ctx context.Context, name string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		done := make(chan struct{})
		var once sync.Once
		chromedp.ListenTarget(ctx, func(ev interface{}) {
			if le, ok := ev.(*page.EventLifecycleEvent); ok && le.Name == name {
				once.Do(func() { close(done) })
			}
		})
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func classifyNavError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &driver.NavError{Class: driver.NavClassTimeout, Message: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled"), strings.Contains(msg, "target closed"), strings.Contains(msg, "no target with given id"):
		return &driver.NavError{Class: driver.NavClassTargetClosed, Message: err.Error()}
	case strings.Contains(msg, "net::err_"), strings.Contains(msg, "dns"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "ssl"), strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"):
		return &driver.NavError{Class: driver.NavClassUnreachable, Message: err.Error()}
	default:
		return &driver.NavError{Class: driver.NavClassTimeout, Message: err.Error()}
	}
}

func (p *Page) Screenshot(ctx context.Context, path string, format driver.Format, timeout time.Duration) error {
	shotCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var buf []byte
	var err error
	switch format {
	case driver.FormatJPEG:
		err = chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 90))
	default:
		err = chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 100))
	}
	if err != nil {
		return classifyNavError(err)
	}
	return writeFile(path, buf)
}

func (p *Page) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.interceptorLive = false
	p.interceptor = nil
	p.mu.Unlock()

	resetCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(resetCtx,
		fetch.Disable(),
		chromedp.Navigate("about:blank"),
	)
}

func (p *Page) Close(ctx context.Context) error {
	p.cancel()
	return nil
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
