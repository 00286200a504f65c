package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/admission"
	"github.com/mrfansi/web2img/internal/api"
	"github.com/mrfansi/web2img/internal/batch"
	"github.com/mrfansi/web2img/internal/browserpool"
	"github.com/mrfansi/web2img/internal/capture"
	"github.com/mrfansi/web2img/internal/config"
	"github.com/mrfansi/web2img/internal/driver"
	"github.com/mrfansi/web2img/internal/driver/chromedriver"
	"github.com/mrfansi/web2img/internal/health"
	"github.com/mrfansi/web2img/internal/intercept"
	"github.com/mrfansi/web2img/internal/logging"
	"github.com/mrfansi/web2img/internal/metrics"
	"github.com/mrfansi/web2img/internal/orchestrator"
	"github.com/mrfansi/web2img/internal/ratelimit"
	"github.com/mrfansi/web2img/internal/rescache"
	"github.com/mrfansi/web2img/internal/resultcache"
	"github.com/mrfansi/web2img/internal/rewriter"
	"github.com/mrfansi/web2img/internal/storage"
	"github.com/mrfansi/web2img/internal/tabpool"
	"github.com/mrfansi/web2img/internal/watchdog"
)

func main() {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting web2img")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config: load failed", zap.Error(err))
	}

	stop := make(chan struct{})

	registry := metrics.NewRegistry()
	hub := metrics.NewHub(registry, logger, time.Second)
	go hub.Run(stop)

	rw := rewriter.New()

	var resCache *rescache.Cache
	if cfg.ResourceCacheEnabled {
		resCache, err = rescache.New(cfg.ResourceCacheDir, rescache.Policy{
			AllContent:    cfg.ResourceCacheAllContent,
			MaxEntryBytes: cfg.ResourceCacheMaxEntryBytes,
			MaxTotalBytes: cfg.ResourceCacheMaxTotalBytes,
			TTL:           cfg.ResourceCacheTTL,
		}, logger)
		if err != nil {
			logger.Fatal("resource cache: init failed", zap.Error(err))
		}
		resCache.StartBackgroundCleanup(cfg.ResourceCacheCleanupInterval, stop)
		logger.Info("resource cache ready", zap.String("dir", cfg.ResourceCacheDir))
	}

	blockPolicy := intercept.BlockPolicy{
		DisableAnalytics:         cfg.DisableAnalytics,
		DisableAds:               cfg.DisableAds,
		DisableSocialWidgets:     cfg.DisableSocialWidgets,
		DisableFonts:             cfg.DisableFonts,
		DisableMedia:             cfg.DisableMedia,
		DisableThirdPartyScripts: cfg.DisableThirdPartyScripts,
	}

	factory, ensureImage, err := buildDriverFactory(cfg, logger)
	if err != nil {
		logger.Fatal("driver: factory init failed", zap.Error(err))
	}
	if ensureImage != nil {
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		logger.Info("pulling browser container image")
		err := ensureImage(pullCtx)
		cancel()
		if err != nil {
			logger.Fatal("driver: image pull failed", zap.Error(err))
		}
		logger.Info("browser container image ready")
	}

	browsers := browserpool.New(browserpool.Config{
		MinSize:         cfg.BrowserPoolMinSize,
		MaxSize:         cfg.BrowserPoolMaxSize,
		IdleTimeout:     cfg.BrowserPoolIdleTimeout,
		MaxAge:          cfg.BrowserPoolMaxAge,
		HealthThreshold: cfg.BrowserHealthThreshold,
		MaxPages:        int64(cfg.BrowserMaxPages),
		ScaleThreshold:  cfg.BrowserPoolScaleThreshold,
		ScaleFactor:     cfg.BrowserPoolScaleFactor,
		MaxWaitAttempts: cfg.MaxWaitAttempts,
		BaseBackoff:     cfg.RetryBaseDelay,
		MaxBackoff:      cfg.RetryMaxDelay,
	}, factory, logger, registry)

	warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := browsers.WarmUp(warmupCtx); err != nil {
		logger.Fatal("browser pool: warmup failed", zap.Error(err))
	}
	warmupCancel()
	browsers.StartBackgroundCleanup(cfg.BrowserPoolCleanupInterval, stop)
	logger.Info("browser pool ready", zap.Int("min_size", cfg.BrowserPoolMinSize), zap.Int("max_size", cfg.BrowserPoolMaxSize))

	tabs := tabpool.New(tabpool.Config{
		EnableTabReuse:    cfg.EnableTabReuse,
		MaxTabsPerBrowser: cfg.MaxTabsPerBrowser,
		TabIdleTimeout:    cfg.TabIdleTimeout,
		TabMaxAge:         cfg.TabMaxAge,
		TabAcquireTimeout: cfg.TabAcquireTimeout,
		RouteSetupTimeout: cfg.RouteSetupTimeout,
	}, browsers, logger, registry)
	tabs.StartBackgroundCleanup(cfg.TabCleanupInterval, stop)

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		logger.Fatal("storage: artifact dir failed", zap.Error(err))
	}
	outputDir := cfg.ArtifactDir + "/captures"

	pipeline := capture.New(capture.Config{
		NavigationTimeout: cfg.NavigationTimeoutRegular,
		SettleTimeout:     cfg.SettleTimeout,
		ScreenshotTimeout: cfg.ScreenshotTimeout,
		RouteSetupTimeout: cfg.RouteSetupTimeout,
		MaxFreshRetries:   cfg.MaxFreshRetries,
		OutputDir:         outputDir,
	}, browsers, tabs, rw, resCache, blockPolicy, logger)

	admissionCtrl := admission.New(admission.Config{
		MaxConcurrentScreenshots: cfg.MaxConcurrentScreenshots,
		MaxConcurrentContexts:    cfg.MaxConcurrentContexts,
		EnableRequestQueue:       cfg.EnableRequestQueue,
		MaxQueueSize:             cfg.MaxQueueSize,
		QueueTimeout:             cfg.QueueTimeout,
		EnableLoadShedding:       cfg.EnableLoadShedding,
		LoadSheddingThreshold:    cfg.LoadSheddingThreshold,
		CircuitBreakerThreshold:  cfg.CircuitBreakerThreshold,
		CircuitBreakerResetTime:  cfg.CircuitBreakerResetTime,
	}, browsers, logger, registry)

	var results *resultcache.Cache
	if cfg.ResultCacheEnabled {
		results = resultcache.New(cfg.ResultCacheMaxItems, cfg.ResultCacheTTL, registry)
	}

	uploader, err := storage.NewLocalUploader(cfg.ArtifactDir, cfg.PublicBaseURL)
	if err != nil {
		logger.Fatal("storage: uploader init failed", zap.Error(err))
	}

	orch := orchestrator.New(admissionCtrl, browsers, pipeline, results, uploader, cfg.TabAcquireTimeout, logger)

	// Per-job webhook delivery is independent of whether the job store
	// itself persists to disk, so it is always wired regardless of
	// cfg.BatchJobPersistenceEnabled.
	webhook := batch.NewHTTPWebhook()
	batchStore, err := newBatchStore(cfg, orch, webhook, logger)
	if err != nil {
		logger.Fatal("batch store: init failed", zap.Error(err))
	}
	if err := batchStore.LoadAll(); err != nil {
		logger.Warn("batch store: restart recovery failed", zap.Error(err))
	}
	scheduler := batch.NewScheduler(batchStore, logger)
	go purgeExpiredBatchJobs(batchStore, cfg.BatchJobTTL, stop)

	var healthChecker *health.Checker
	if cfg.HealthCheckEnabled {
		healthChecker = health.New(health.Config{
			Enabled:  cfg.HealthCheckEnabled,
			Interval: cfg.HealthCheckInterval,
			ProbeURL: cfg.HealthCheckURL,
			Timeout:  cfg.HealthCheckTimeout,
		}, orch, logger, registry)
		go healthChecker.Run(stop)
		logger.Info("health prober running", zap.String("probe_url", cfg.HealthCheckURL))
	}

	wd := watchdog.New(watchdog.Config{
		Interval:          cfg.WatchdogInterval,
		ForceReleaseAfter: cfg.WatchdogForceReleaseAfter,
		HardStuckAfter:    cfg.WatchdogHardStuckAfter,
	}, browsers, logger, registry)
	go wd.Run(stop)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRequestsPerHour > 0 {
		limiter = ratelimit.New(cfg.RateLimitRequestsPerHour, cfg.RateLimitBurst)
		limiter.StartBackgroundCleanup(cfg.RateLimitCleanupInterval, cfg.RateLimitBucketTTL, stop)
	}

	server := api.NewServer(api.Deps{
		Logger:            logger,
		Processor:         orch,
		BatchStore:        batchStore,
		Scheduler:         scheduler,
		HealthChecker:     healthChecker,
		Metrics:           registry,
		MetricsHub:        hub,
		ResultCache:       results,
		ResourceCache:     resCache,
		Rewriter:          rw,
		Limiter:           limiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	logger.Info("http routes configured")

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestDeadline,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server: listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	close(stop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server: forced shutdown", zap.Error(err))
	}
	browsers.Close(shutdownCtx)

	logger.Info("server stopped cleanly")
}

// newBatchStore selects the batch job persistence backend named by
// cfg.BatchStoreDriver.
func newBatchStore(cfg *config.Config, processor batch.ItemProcessor, webhook batch.WebhookDelivery, logger *zap.Logger) (*batch.Store, error) {
	if !cfg.BatchJobPersistenceEnabled {
		return batch.NewMemory(processor, webhook, logger), nil
	}
	switch cfg.BatchStoreDriver {
	case "sqlite":
		if err := os.MkdirAll(cfg.BatchJobPersistenceDir, 0o755); err != nil {
			return nil, err
		}
		return batch.NewSQLite(cfg.BatchJobPersistenceDir+"/jobs.db", processor, webhook, logger)
	default:
		return batch.New(cfg.BatchJobPersistenceDir, processor, webhook, logger)
	}
}

// buildDriverFactory selects the browser runtime named by
// cfg.BrowserRuntime. For the container runtime it also returns the
// image-pull step that must run once before warmup.
func buildDriverFactory(cfg *config.Config, logger *zap.Logger) (driver.Factory, func(context.Context) error, error) {
	switch cfg.BrowserRuntime {
	case "docker":
		f, err := chromedriver.NewContainerFactory(chromedriver.ContainerFactoryOptions{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return f, f.EnsureImage, nil
	default:
		return chromedriver.NewFactory(chromedriver.Options{Logger: logger}), nil, nil
	}
}

// purgeExpiredBatchJobs sweeps finished jobs older than ttl off disk on
// a fixed interval derived from ttl itself, bounded to a sane range so
// a very short or very long ttl doesn't produce a pathological sweep
// cadence.
func purgeExpiredBatchJobs(store *batch.Store, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			store.PurgeExpired(ttl)
		}
	}
}
