// Package api implements the HTTP surface described by the service's
// external interfaces: single and batch screenshot capture, health and
// metrics reporting, and administrative endpoints for the result cache,
// resource cache, and URL rewriter.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mrfansi/web2img/internal/batch"
	"github.com/mrfansi/web2img/internal/health"
	"github.com/mrfansi/web2img/internal/metrics"
	"github.com/mrfansi/web2img/internal/ratelimit"
	"github.com/mrfansi/web2img/internal/rescache"
	"github.com/mrfansi/web2img/internal/resultcache"
	"github.com/mrfansi/web2img/internal/rewriter"
)

// itemProcessor is the single-shot and per-batch-item capture contract;
// satisfied by *orchestrator.Orchestrator.
type itemProcessor = batch.ItemProcessor

// Server holds every dependency the HTTP surface needs and owns route
// registration. All fields are set once at construction and never
// reassigned, matching the rest of the service's no-global-state design.
type Server struct {
	logger *zap.Logger

	processor  itemProcessor
	batchStore *batch.Store
	scheduler  *batch.Scheduler

	healthChecker *health.Checker
	metricsReg    *metrics.Registry
	metricsHub    *metrics.Hub

	results  *resultcache.Cache
	rescache *rescache.Cache
	rewriter *rewriter.Rewriter

	limiter *ratelimit.Limiter

	trustProxyHeaders bool
}

// Deps bundles Server's constructor arguments.
type Deps struct {
	Logger            *zap.Logger
	Processor         itemProcessor
	BatchStore        *batch.Store
	Scheduler         *batch.Scheduler
	HealthChecker     *health.Checker
	Metrics           *metrics.Registry
	MetricsHub        *metrics.Hub
	ResultCache       *resultcache.Cache // nil if disabled by config
	ResourceCache     *rescache.Cache    // nil if disabled by config
	Rewriter          *rewriter.Rewriter
	Limiter           *ratelimit.Limiter
	TrustProxyHeaders bool
}

// NewServer constructs a Server from Deps.
func NewServer(d Deps) *Server {
	return &Server{
		logger:            d.Logger,
		processor:         d.Processor,
		batchStore:        d.BatchStore,
		scheduler:         d.Scheduler,
		healthChecker:     d.HealthChecker,
		metricsReg:        d.Metrics,
		metricsHub:        d.MetricsHub,
		results:           d.ResultCache,
		rescache:          d.ResourceCache,
		rewriter:          d.Rewriter,
		limiter:           d.Limiter,
		trustProxyHeaders: d.TrustProxyHeaders,
	}
}

// Router builds the full mux.Router, with CORS and rate-limiting
// middleware applied ahead of every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/screenshot", s.handleScreenshot).Methods(http.MethodPost)

	r.HandleFunc("/batch/screenshots", s.handleCreateBatch).Methods(http.MethodPost)
	r.HandleFunc("/batch/screenshots/{job_id}", s.handleGetBatch).Methods(http.MethodGet)
	r.HandleFunc("/batch/screenshots/{job_id}/results", s.handleGetBatchResults).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/ws", s.handleMetricsWS).Methods(http.MethodGet)

	r.HandleFunc("/cache/stats", s.handleResultCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleResultCacheClear).Methods(http.MethodDelete)
	r.HandleFunc("/cache/url", s.handleResultCacheInvalidateURL).Methods(http.MethodDelete)

	r.HandleFunc("/browser-cache/stats", s.handleResourceCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/browser-cache/info", s.handleResourceCacheInfo).Methods(http.MethodGet)
	r.HandleFunc("/browser-cache/performance", s.handleResourceCachePerformance).Methods(http.MethodGet)
	r.HandleFunc("/browser-cache/test", s.handleResourceCacheTest).Methods(http.MethodGet)
	r.HandleFunc("/browser-cache/cleanup", s.handleResourceCacheCleanup).Methods(http.MethodPost)
	r.HandleFunc("/browser-cache/clear", s.handleResourceCacheClear).Methods(http.MethodDelete)

	r.HandleFunc("/url-transformer/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/url-transformer/rules", s.handleSetRule).Methods(http.MethodPost)
	r.HandleFunc("/url-transformer/rules/{host}", s.handleDeleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/url-transformer/transform", s.handleTransform).Methods(http.MethodPost)
	r.HandleFunc("/url-transformer/check", s.handleCheck).Methods(http.MethodGet)

	r.Use(corsMiddleware)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}
	return r
}

func (s *Server) newJobItemID() string { return uuid.New().String() }

// corsMiddleware adds permissive CORS headers: this is a backend
// automation API, not a browser-facing one, so origin restriction adds
// no real protection.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
