// Package metrics holds the process-wide counters, gauges, and
// histograms every other component updates, and exposes them both as
// Prometheus collectors and as a plain JSON snapshot for the service's
// own /metrics endpoint and its websocket broadcaster.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the single shared instance every component is handed at
// construction time. There is exactly one Registry per process; it is
// safe for concurrent use from every goroutine in the service.
type Registry struct {
	reg *prometheus.Registry

	CapturesTotal      *prometheus.CounterVec
	CaptureDuration    *prometheus.HistogramVec
	NavigationDuration *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec

	BrowserPoolSize      prometheus.Gauge
	BrowserPoolInUse     prometheus.Gauge
	BrowserPoolHealthy   prometheus.Gauge
	TabPoolInUse         prometheus.Gauge
	TabPoolIdle          prometheus.Gauge

	AdmissionQueueDepth    prometheus.Gauge
	AdmissionRejectedTotal *prometheus.CounterVec
	CircuitBreakerState    prometheus.Gauge // 0=closed 1=half_open 2=open

	ResultCacheHits   prometheus.Counter
	ResultCacheMisses prometheus.Counter
	ResourceCacheHits   prometheus.Counter
	ResourceCacheMisses prometheus.Counter
	ResourceCacheBytes  prometheus.Gauge

	BatchJobsActive prometheus.Gauge

	WatchdogForceReleases prometheus.Counter
	WatchdogForceRecycles prometheus.Counter

	HealthLastCheckSuccess prometheus.Gauge

	mu       sync.Mutex
	start    time.Time
	requests int64
	errors   int64

	// Mirrored plain values backing Snapshot(), updated alongside the
	// Prometheus gauges above since client_golang gauges don't support
	// reading their own current value back out.
	browserPoolSize int64
	browserPoolBusy int64
	tabPoolBusy     int64
	tabPoolIdle     int64
	queueDepth      int64
	circuitState    int64 // 0 closed, 1 half_open, 2 open
	resultHits      int64
	resultMisses    int64
	resourceHits    int64
	resourceMisses  int64
}

// NewRegistry constructs a Registry and registers every collector
// against a fresh prometheus.Registry, mirroring the pack's use of
// promauto for terse collector construction.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg:   reg,
		start: time.Unix(0, 0), // stamped properly by caller via SetStartTime

		CapturesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "web2img_captures_total",
			Help: "Total number of capture attempts by terminal outcome.",
		}, []string{"outcome"}),

		CaptureDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "web2img_capture_duration_seconds",
			Help:    "End-to-end capture duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"strategy"}),

		NavigationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "web2img_navigation_duration_seconds",
			Help:    "Navigation-only duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"strategy"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "web2img_capture_retries_total",
			Help: "Number of retry attempts made during capture, by error kind.",
		}, []string{"kind"}),

		BrowserPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_browser_pool_size",
			Help: "Current number of live browser instances.",
		}),
		BrowserPoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_browser_pool_in_use",
			Help: "Number of browser instances currently checked out.",
		}),
		BrowserPoolHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_browser_pool_healthy",
			Help: "Number of browser instances passing their last health check.",
		}),
		TabPoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_tab_pool_in_use",
			Help: "Number of tabs/contexts currently checked out.",
		}),
		TabPoolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_tab_pool_idle",
			Help: "Number of idle tabs/contexts available for reuse.",
		}),

		AdmissionQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_admission_queue_depth",
			Help: "Number of requests currently waiting for admission.",
		}),
		AdmissionRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "web2img_admission_rejected_total",
			Help: "Requests rejected by admission control, by reason.",
		}, []string{"reason"}),
		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed 1=half_open 2=open.",
		}),

		ResultCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_result_cache_hits_total",
			Help: "Result cache hits.",
		}),
		ResultCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_result_cache_misses_total",
			Help: "Result cache misses.",
		}),
		ResourceCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_resource_cache_hits_total",
			Help: "Resource cache hits served to intercepted requests.",
		}),
		ResourceCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_resource_cache_misses_total",
			Help: "Resource cache misses.",
		}),
		ResourceCacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_resource_cache_bytes",
			Help: "Total bytes currently held in the resource cache.",
		}),

		BatchJobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_batch_jobs_active",
			Help: "Number of batch jobs currently processing.",
		}),

		WatchdogForceReleases: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_watchdog_force_releases_total",
			Help: "Resources the watchdog force-released after exceeding their deadline.",
		}),
		WatchdogForceRecycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "web2img_watchdog_force_recycles_total",
			Help: "Browser instances the watchdog force-recycled after a hard-stuck timeout.",
		}),

		HealthLastCheckSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "web2img_health_last_check_success",
			Help: "1 if the last background health probe succeeded, else 0.",
		}),
	}
	return r
}

// Prometheus exposes the underlying *prometheus.Registry for wiring into
// promhttp.HandlerFor.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// SetStartTime records process start for uptime reporting in Snapshot.
func (r *Registry) SetStartTime(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = t
}

// RecordRequest and RecordError maintain lightweight running totals used
// by the JSON snapshot independent of the Prometheus vectors, so the
// human-facing /metrics JSON body doesn't need to walk collector
// internals to compute an error rate.
func (r *Registry) RecordRequest() { atomic.AddInt64(&r.requests, 1) }
func (r *Registry) RecordError()   { atomic.AddInt64(&r.errors, 1) }

// SetBrowserPoolSize updates both the Prometheus gauge and the mirrored
// value Snapshot reads, keeping the two exposition surfaces consistent.
func (r *Registry) SetBrowserPoolSize(n int) {
	atomic.StoreInt64(&r.browserPoolSize, int64(n))
	r.BrowserPoolSize.Set(float64(n))
}

func (r *Registry) SetBrowserPoolBusy(n int) {
	atomic.StoreInt64(&r.browserPoolBusy, int64(n))
	r.BrowserPoolInUse.Set(float64(n))
}

func (r *Registry) SetTabPoolBusy(n int) {
	atomic.StoreInt64(&r.tabPoolBusy, int64(n))
	r.TabPoolInUse.Set(float64(n))
}

func (r *Registry) SetTabPoolIdle(n int) {
	atomic.StoreInt64(&r.tabPoolIdle, int64(n))
	r.TabPoolIdle.Set(float64(n))
}

func (r *Registry) SetQueueDepth(n int) {
	atomic.StoreInt64(&r.queueDepth, int64(n))
	r.AdmissionQueueDepth.Set(float64(n))
}

// CircuitState values accepted by SetCircuitState.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

func (r *Registry) SetCircuitState(state int) {
	atomic.StoreInt64(&r.circuitState, int64(state))
	r.CircuitBreakerState.Set(float64(state))
}

func (r *Registry) RecordResultCacheHit()    { atomic.AddInt64(&r.resultHits, 1); r.ResultCacheHits.Inc() }
func (r *Registry) RecordResultCacheMiss()   { atomic.AddInt64(&r.resultMisses, 1); r.ResultCacheMisses.Inc() }
func (r *Registry) RecordResourceCacheHit()  { atomic.AddInt64(&r.resourceHits, 1); r.ResourceCacheHits.Inc() }
func (r *Registry) RecordResourceCacheMiss() { atomic.AddInt64(&r.resourceMisses, 1); r.ResourceCacheMisses.Inc() }

// Snapshot is the JSON-serializable point-in-time view returned by the
// GET /metrics endpoint, distinct from the Prometheus exposition format
// served at GET /metrics/prometheus.
type Snapshot struct {
	UptimeSeconds        float64 `json:"uptime_seconds"`
	RequestsTotal        int64   `json:"requests_total"`
	ErrorsTotal          int64   `json:"errors_total"`
	BrowserPoolSize      int     `json:"browser_pool_size"`
	BrowserPoolBusy      int     `json:"browser_pool_busy"`
	TabPoolBusy          int     `json:"tab_pool_busy"`
	TabPoolIdle          int     `json:"tab_pool_idle"`
	QueueDepth           int     `json:"admission_queue_depth"`
	CircuitState         string  `json:"circuit_breaker_state"`
	ResultCacheHitRate   float64 `json:"result_cache_hit_rate"`
	ResourceCacheHitRate float64 `json:"resource_cache_hit_rate"`
}

func circuitStateName(v int64) string {
	switch v {
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "closed"
	}
}

func ratio(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot builds the current point-in-time view for the JSON /metrics
// endpoint and the websocket broadcaster.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	start := r.start
	r.mu.Unlock()

	return Snapshot{
		UptimeSeconds:        time.Since(start).Seconds(),
		RequestsTotal:        atomic.LoadInt64(&r.requests),
		ErrorsTotal:          atomic.LoadInt64(&r.errors),
		BrowserPoolSize:      int(atomic.LoadInt64(&r.browserPoolSize)),
		BrowserPoolBusy:      int(atomic.LoadInt64(&r.browserPoolBusy)),
		TabPoolBusy:          int(atomic.LoadInt64(&r.tabPoolBusy)),
		TabPoolIdle:          int(atomic.LoadInt64(&r.tabPoolIdle)),
		QueueDepth:           int(atomic.LoadInt64(&r.queueDepth)),
		CircuitState:         circuitStateName(atomic.LoadInt64(&r.circuitState)),
		ResultCacheHitRate:   ratio(atomic.LoadInt64(&r.resultHits), atomic.LoadInt64(&r.resultMisses)),
		ResourceCacheHitRate: ratio(atomic.LoadInt64(&r.resourceHits), atomic.LoadInt64(&r.resourceMisses)),
	}
}
