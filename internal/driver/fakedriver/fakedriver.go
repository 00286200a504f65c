// Package fakedriver implements driver.Factory/Browser/Page entirely
// in memory, for deterministic tests of the pool, capture pipeline, and
// admission layers without a real Chrome process.
package fakedriver

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrfansi/web2img/internal/driver"
)

// Script lets a test script canned behavior per URL: which strategy
// succeeds, what error to return, and how long to pretend to take.
type Script struct {
	// FailStrategies lists strategies that should fail before a later
	// one succeeds, simulating strategy fallback.
	FailStrategies map[driver.Strategy]*driver.NavError
	// NavigateErr, if set, is returned unconditionally regardless of
	// strategy (used to simulate a fully-unreachable host).
	NavigateErr *driver.NavError
	// ScreenshotErr, if set, is returned by Screenshot.
	ScreenshotErr error
	// Delay simulates navigation latency.
	Delay time.Duration
}

// Factory produces Browsers whose pages consult a shared Script table
// keyed by URL, plus optional global failure injection for tests that
// exercise browser-level unhealthiness.
type Factory struct {
	mu        sync.Mutex
	scripts   map[string]Script
	launched  int64
	LaunchErr error
	// ConnectedFunc overrides the default "always connected" behavior.
	ConnectedFunc func() bool
}

// NewFactory constructs an empty Factory.
func NewFactory() *Factory {
	return &Factory{scripts: make(map[string]Script)}
}

// SetScript registers canned behavior for url.
func (f *Factory) SetScript(url string, s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[url] = s
}

// Launched returns how many browsers this factory has produced.
func (f *Factory) Launched() int64 { return atomic.LoadInt64(&f.launched) }

func (f *Factory) Launch(ctx context.Context) (driver.Browser, error) {
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	atomic.AddInt64(&f.launched, 1)
	return &Browser{factory: f, connected: true}, nil
}

// Browser is an in-memory stand-in for a browser process.
type Browser struct {
	factory *Factory

	mu        sync.Mutex
	connected bool
	closed    bool
	pages     int
}

func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &driver.NavError{Class: driver.NavClassTargetClosed, Message: "browser closed"}
	}
	b.pages++
	return &Page{browser: b, factory: b.factory}, nil
}

func (b *Browser) NewIncognitoPage(ctx context.Context) (driver.Page, error) {
	return b.NewPage(ctx)
}

func (b *Browser) Connected(ctx context.Context) bool {
	if b.factory.ConnectedFunc != nil {
		return b.factory.ConnectedFunc()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

// SetConnected lets a test force a browser into an unresponsive state.
func (b *Browser) SetConnected(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = v
}

// Page is an in-memory stand-in for a browser tab.
type Page struct {
	browser *Browser
	factory *Factory

	mu          sync.Mutex
	closed      bool
	interceptor driver.RequestHandler
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("fakedriver: invalid viewport %dx%d", width, height)
	}
	return nil
}

func (p *Page) InstallInterceptor(ctx context.Context, handler driver.RequestHandler, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &driver.NavError{Class: driver.NavClassTargetClosed, Message: "page closed before interceptor install"}
	}
	p.interceptor = handler
	return nil
}

func (p *Page) script(rawURL string) Script {
	p.factory.mu.Lock()
	defer p.factory.mu.Unlock()
	return p.factory.scripts[rawURL]
}

func (p *Page) Navigate(ctx context.Context, rawURL string, strategy driver.Strategy, timeout time.Duration) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return &driver.NavError{Class: driver.NavClassTargetClosed, Message: "page closed"}
	}

	s := p.script(rawURL)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return &driver.NavError{Class: driver.NavClassTimeout, Message: ctx.Err().Error()}
		}
	}
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	if navErr, ok := s.FailStrategies[strategy]; ok {
		return navErr
	}

	// Simulate a request traversing the installed interceptor so the
	// wiring can be exercised end-to-end in tests without a real
	// network stack.
	p.mu.Lock()
	handler := p.interceptor
	p.mu.Unlock()
	if handler != nil {
		ev := driver.RequestEvent{RequestID: "fake-1", URL: rawURL, Host: rawURL}
		decision := handler.Decide(ctx, ev)
		if decision.Outcome != driver.OutcomeAbort {
			handler.OnResponse(ctx, driver.ResponseEvent{
				RequestID:   ev.RequestID,
				URL:         rawURL,
				StatusCode:  200,
				ContentType: "text/html",
				Body:        []byte("<html></html>"),
			})
		}
	}

	return nil
}

func (p *Page) Screenshot(ctx context.Context, path string, format driver.Format, timeout time.Duration) error {
	s := p.script(path)
	if s.ScreenshotErr != nil {
		return s.ScreenshotErr
	}
	return os.WriteFile(path, []byte("fake-image-bytes"), 0o644)
}

func (p *Page) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interceptor = nil
	return nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
