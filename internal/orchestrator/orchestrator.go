// Package orchestrator wires the admission controller, browser pool,
// capture pipeline, result cache, and artifact uploader into the two
// narrow contracts the batch scheduler and health prober depend on,
// without either of those packages importing the others' concrete
// types.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/admission"
	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/capture"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/resultcache"
	"github.com/mrfansi/web2img/internal/storage"
)

// Orchestrator drives one screenshot end to end: admission, result-cache
// lookup, capture, upload, and result-cache insertion. It satisfies both
// batch.ItemProcessor and health.Prober.
type Orchestrator struct {
	admission *admission.Controller
	browsers  *browserpool.Pool
	pipeline  *capture.Pipeline
	results   *resultcache.Cache // nil disables result caching entirely
	uploader  storage.Uploader
	logger    *zap.Logger

	browserAcquireTimeout time.Duration
}

// New constructs an Orchestrator. results may be nil if the result cache
// is disabled by configuration.
func New(
	admissionCtrl *admission.Controller,
	browsers *browserpool.Pool,
	pipeline *capture.Pipeline,
	results *resultcache.Cache,
	uploader storage.Uploader,
	browserAcquireTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if browserAcquireTimeout <= 0 {
		browserAcquireTimeout = 10 * time.Second
	}
	return &Orchestrator{
		admission:             admissionCtrl,
		browsers:              browsers,
		pipeline:              pipeline,
		results:               results,
		uploader:              uploader,
		logger:                logger,
		browserAcquireTimeout: browserAcquireTimeout,
	}
}

// Process implements batch.ItemProcessor and is also the code path
// behind the single-shot POST /screenshot endpoint. Admission is
// checked before the result-cache lookup so every request, hit or
// miss, passes through the circuit breaker, load shedding, and queue
// bookkeeping; a cache hit releases its ticket immediately without
// ever acquiring a browser.
func (o *Orchestrator) Process(ctx context.Context, url string, width, height int, format string, useCache bool) (string, error) {
	fp := resultcache.Fingerprint(url, width, height, format)

	ticket, err := o.admission.Admit(ctx)
	if err != nil {
		return "", err
	}

	if useCache && o.results != nil {
		if artifact, ok := o.results.Get(fp); ok {
			ticket.Release()
			return artifact, nil
		}
	}

	artifact, err := o.captureAndUpload(ctx, url, width, height, format)
	ticket.Outcome(err == nil)
	ticket.Release()
	if err != nil {
		return "", err
	}

	if useCache && o.results != nil {
		o.results.Put(fp, url, artifact)
	}
	return artifact, nil
}

// Capture implements health.Prober: a synthetic capture that exercises
// the full pipeline without touching the result cache, so a stale cache
// entry can never mask a real outage. Its result is not reported to the
// circuit breaker.
func (o *Orchestrator) Capture(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticket, err := o.admission.Admit(ctx)
	if err != nil {
		return err
	}

	_, err = o.captureAndUpload(ctx, url, 1280, 720, string(driver.FormatPNG))
	ticket.Release()
	return err
}

func (o *Orchestrator) captureAndUpload(ctx context.Context, url string, width, height int, format string) (string, error) {
	browserIdx, err := o.browsers.Acquire(ctx, o.browserAcquireTimeout)
	if err != nil {
		return "", err
	}

	scaleFactor := capture.AdaptiveFactor(o.browsers.Utilization())
	req := capture.Request{
		URL:    url,
		Width:  width,
		Height: height,
		Format: driver.Format(format),
	}

	// Capture owns browserIdx from here: it releases it (or a
	// fresh-browser-retry replacement) exactly once before returning,
	// on every exit path.
	result, err := o.pipeline.Capture(ctx, req, browserIdx, scaleFactor)
	if err != nil {
		return "", err
	}

	artifact, err := o.uploader.Upload(ctx, result.Path)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "orchestrator: artifact upload failed", err)
	}
	return artifact, nil
}
