// Package driver defines the narrow browser-automation contract the
// rest of the service programs against. The concrete implementation (a
// real CDP client) is an external collaborator; only the interface is
// core. Two implementations are provided: chromedriver (backed by
// chromedp/cdproto) for production, and fakedriver for deterministic
// tests of everything above this layer.
package driver

import (
	"context"
	"time"
)

// Strategy is a navigation completion signal, ordered cheapest-first.
type Strategy string

const (
	StrategyCommit            Strategy = "commit"
	StrategyDOMContentLoaded  Strategy = "domcontentloaded"
	StrategyNetworkIdle       Strategy = "networkidle"
	StrategyLoad              Strategy = "load"
)

// Format is an output image encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// NavClass classifies why Navigate failed, so the capture pipeline can
// apply its strategy-fallback and fresh-browser-retry rules without
// string-matching driver errors.
type NavClass int

const (
	NavClassNone NavClass = iota
	NavClassTimeout
	NavClassTargetClosed
	NavClassUnreachable
)

// NavError is returned by Page.Navigate; Class lets the caller dispatch
// without inspecting the message.
type NavError struct {
	Class   NavClass
	Message string
}

func (e *NavError) Error() string { return e.Message }

// RequestEvent is delivered to an installed RequestHandler for every
// sub-resource request observed on a page.
type RequestEvent struct {
	RequestID    string
	URL          string
	Host         string
	ResourceType string // CDP resource type, e.g. "Media", "Script", "Font", "Image"
}

// RequestOutcome tells the driver how to resolve an intercepted request.
type RequestOutcome int

const (
	OutcomeContinue RequestOutcome = iota
	OutcomeAbort
	OutcomeFulfill
)

// RequestDecision is the interceptor's answer for one RequestEvent.
type RequestDecision struct {
	Outcome     RequestOutcome
	Body        []byte
	StatusCode  int
	ContentType string
}

// ResponseEvent is delivered after a request the driver let through
// completes, carrying the body so the caller can offer it to the
// resource cache.
type ResponseEvent struct {
	RequestID   string
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// RequestHandler decides how to resolve an intercepted request and is
// later notified of its outcome via OnResponse.
type RequestHandler interface {
	Decide(ctx context.Context, ev RequestEvent) RequestDecision
	OnResponse(ctx context.Context, ev ResponseEvent)
}

// Page is a single browser tab/page bound to one Browser.
type Page interface {
	// SetViewport resizes the page's rendering surface.
	SetViewport(ctx context.Context, width, height int) error

	// InstallInterceptor registers handler for every sub-resource
	// request on this page. Must return within timeout; on timeout the
	// interceptor is considered uninstalled and capture proceeds
	// without it (the caller decides this from the returned error).
	InstallInterceptor(ctx context.Context, handler RequestHandler, timeout time.Duration) error

	// Navigate loads rawURL using the given completion strategy. On
	// failure the error unwraps to a *NavError classifying the cause.
	Navigate(ctx context.Context, rawURL string, strategy Strategy, timeout time.Duration) error

	// Screenshot captures the full page to path in the given format.
	Screenshot(ctx context.Context, path string, format Format, timeout time.Duration) error

	// Reset returns the page to a blank, route-free state for reuse by
	// the tab pool: navigates to about:blank and clears interceptors.
	Reset(ctx context.Context) error

	// Close releases the underlying page/target.
	Close(ctx context.Context) error
}

// Browser is a single browser process/connection capable of producing
// pages.
type Browser interface {
	// NewPage opens a page directly on the browser (used by tab-pool
	// mode, where pages are long-lived and reused).
	NewPage(ctx context.Context) (Page, error)

	// NewIncognitoPage opens a page inside a fresh, isolated browser
	// context (used by context-mode, where the whole context is
	// disposable per capture).
	NewIncognitoPage(ctx context.Context) (Page, error)

	// Connected reports whether the underlying process/connection is
	// still responsive; used by the pool's health check.
	Connected(ctx context.Context) bool

	// Close terminates the browser process and all of its pages.
	Close(ctx context.Context) error
}

// Factory launches new Browser instances. The production implementation
// wraps chromedp's allocator; tests substitute fakedriver.Factory.
type Factory interface {
	Launch(ctx context.Context) (Browser, error)
}
