// Package intercept implements the per-page request interceptor:
// hard-block known-bad hosts, serve cache hits locally, and offer
// fetched bodies back to the resource cache on completion.
package intercept

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/rescache"
)

var analyticsHosts = []string{
	"google-analytics.com", "googletagmanager.com", "segment.io",
	"mixpanel.com", "amplitude.com", "hotjar.com", "fullstory.com",
}

var adHosts = []string{
	"doubleclick.net", "googlesyndication.com", "adnxs.com",
	"adsrvr.org", "taboola.com", "outbrain.com",
}

var socialWidgetHosts = []string{
	"platform.twitter.com", "connect.facebook.net", "platform.linkedin.com",
	"assets.pinterest.com", "widgets.pinterest.com",
}

var fontHosts = []string{"fonts.googleapis.com", "fonts.gstatic.com"}

// BlockPolicy decides which hosts are hard-blocked, configurable per
// deployment via the same environment flags as the resource cache.
type BlockPolicy struct {
	DisableAnalytics         bool
	DisableAds               bool
	DisableSocialWidgets     bool
	DisableFonts             bool
	DisableMedia             bool
	DisableThirdPartyScripts bool
}

func hostMatches(host string, list []string) bool {
	host = strings.ToLower(host)
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Blocked reports whether host should be hard-blocked under policy,
// independent of the resource type the request carries.
func (p BlockPolicy) Blocked(host string) bool {
	if p.DisableAnalytics && hostMatches(host, analyticsHosts) {
		return true
	}
	if p.DisableAds && hostMatches(host, adHosts) {
		return true
	}
	if p.DisableSocialWidgets && hostMatches(host, socialWidgetHosts) {
		return true
	}
	if p.DisableFonts && hostMatches(host, fontHosts) {
		return true
	}
	return false
}

// isMediaResource reports whether a CDP resource type classifies as
// media (audio/video), the type Chrome reports for <video>/<audio>
// sources distinct from images and fonts.
func isMediaResource(resourceType string) bool {
	return strings.EqualFold(resourceType, "Media")
}

// isScriptResource reports whether a CDP resource type classifies as
// a script.
func isScriptResource(resourceType string) bool {
	return strings.EqualFold(resourceType, "Script")
}

// isThirdParty reports whether requestHost differs from pageHost,
// ignoring a leading "www." on either side.
func isThirdParty(pageHost, requestHost string) bool {
	pageHost = strings.TrimPrefix(strings.ToLower(pageHost), "www.")
	requestHost = strings.TrimPrefix(strings.ToLower(requestHost), "www.")
	return pageHost != "" && requestHost != pageHost
}

// Counters tracks per-installation hit/miss/block/store counts, read by
// the capture pipeline after the page completes to fold into shared metrics.
type Counters struct {
	Blocked uint64
	Hits    uint64
	Misses  uint64
	Stored  uint64
}

// Handler implements driver.RequestHandler, consulting the resource
// cache and block policy for every sub-resource request on one page.
type Handler struct {
	cache    *rescache.Cache
	policy   BlockPolicy
	pageHost string
	logger   *zap.Logger

	blocked uint64
	hits    uint64
	misses  uint64
	stored  uint64
}

// New builds a Handler for a single page's lifetime. pageHost is the
// host of the page being captured, used to classify a script request
// as first- or third-party; it may be empty if unknown, in which case
// DisableThirdPartyScripts never matches. Handlers are not shared
// across pages since their counters are per-page.
func New(cache *rescache.Cache, policy BlockPolicy, pageHost string, logger *zap.Logger) *Handler {
	return &Handler{cache: cache, policy: policy, pageHost: pageHost, logger: logger}
}

// Decide implements driver.RequestHandler. Decision order is fixed:
// hard-block by host, then hard-block by resource type, then cache
// lookup, then let the request through to the network.
func (h *Handler) Decide(ctx context.Context, ev driver.RequestEvent) driver.RequestDecision {
	if h.policy.Blocked(ev.Host) {
		atomic.AddUint64(&h.blocked, 1)
		return driver.RequestDecision{Outcome: driver.OutcomeAbort}
	}
	if h.policy.DisableMedia && isMediaResource(ev.ResourceType) {
		atomic.AddUint64(&h.blocked, 1)
		return driver.RequestDecision{Outcome: driver.OutcomeAbort}
	}
	if h.policy.DisableThirdPartyScripts && isScriptResource(ev.ResourceType) && isThirdParty(h.pageHost, ev.Host) {
		atomic.AddUint64(&h.blocked, 1)
		return driver.RequestDecision{Outcome: driver.OutcomeAbort}
	}

	if h.cache != nil {
		if body, meta, miss := h.cache.Lookup(ev.URL); !miss {
			atomic.AddUint64(&h.hits, 1)
			return driver.RequestDecision{
				Outcome:     driver.OutcomeFulfill,
				Body:        body,
				StatusCode:  meta.Status,
				ContentType: meta.ContentType,
			}
		}
	}

	atomic.AddUint64(&h.misses, 1)
	return driver.RequestDecision{Outcome: driver.OutcomeContinue}
}

// OnResponse implements driver.RequestHandler, offering a body that
// actually traversed the network to the resource cache for next time.
func (h *Handler) OnResponse(ctx context.Context, ev driver.ResponseEvent) {
	if h.cache == nil || len(ev.Body) == 0 {
		return
	}
	if h.cache.Store(ev.URL, ev.Body, ev.ContentType, ev.StatusCode) {
		atomic.AddUint64(&h.stored, 1)
	}
}

// Counters snapshots this handler's per-page counts.
func (h *Handler) Counters() Counters {
	return Counters{
		Blocked: atomic.LoadUint64(&h.blocked),
		Hits:    atomic.LoadUint64(&h.hits),
		Misses:  atomic.LoadUint64(&h.misses),
		Stored:  atomic.LoadUint64(&h.stored),
	}
}
