// Package config centralizes every tuning parameter the service reads
// from the environment at startup into one value built once and passed
// by reference through the request path.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every environment-driven tuning parameter for the service.
// It is built once in main and threaded explicitly to every subsystem
// that needs it; nothing in this package keeps process-global state.
type Config struct {
	// Browser pool
	BrowserPoolMinSize         int
	BrowserPoolMaxSize         int
	BrowserPoolIdleTimeout     time.Duration
	BrowserPoolMaxAge          time.Duration
	BrowserPoolCleanupInterval time.Duration
	BrowserPoolScaleThreshold  float64
	BrowserPoolScaleFactor     int
	MaxWaitAttempts            int
	BrowserRuntime             string // "process" | "docker"
	BrowserHealthThreshold     int
	BrowserMaxPages            int
	ForceBrowserRestartInterval time.Duration

	// Tab pool
	MaxTabsPerBrowser        int
	TabIdleTimeout           time.Duration
	TabMaxAge                time.Duration
	TabCleanupInterval       time.Duration
	TabAcquireTimeout        time.Duration
	EnableTabReuse           bool
	ContextRetryMaxRetriesMultiplier float64
	ContextRetryBaseDelayMultiplier  float64
	ContextRetryMaxDelayMultiplier   float64
	ContextRetryJitterMultiplier     float64
	PageCreationTimeout      time.Duration
	ContextCreationTimeout   time.Duration

	// Capture pipeline
	NavigationTimeoutRegular time.Duration
	NavigationTimeoutComplex time.Duration
	ScreenshotTimeout        time.Duration
	SettleTimeout            time.Duration
	MaxRetriesRegular        int
	MaxFreshRetries          int
	RetryBaseDelay           time.Duration
	RetryMaxDelay            time.Duration
	RetryJitter              float64
	RouteSetupTimeout        time.Duration
	RequestDeadline          time.Duration

	// Admission control
	CircuitBreakerThreshold    int
	CircuitBreakerResetTime    time.Duration
	MaxConcurrentScreenshots   int
	MaxConcurrentContexts      int
	EnableRequestQueue         bool
	MaxQueueSize               int
	QueueTimeout               time.Duration
	EnableLoadShedding         bool
	LoadSheddingThreshold      float64

	// Result cache
	ResultCacheEnabled  bool
	ResultCacheTTL      time.Duration
	ResultCacheMaxItems int

	// Resource cache (sub-resources + request interception)
	ResourceCacheEnabled         bool
	ResourceCacheAllContent      bool
	ResourceCacheMaxTotalBytes   int64
	ResourceCacheMaxEntryBytes   int64
	ResourceCacheTTL             time.Duration
	ResourceCacheCleanupInterval time.Duration
	ResourceCacheDir             string
	DisableFonts                 bool
	DisableMedia                 bool
	DisableAnalytics             bool
	DisableThirdPartyScripts     bool
	DisableAds                   bool
	DisableSocialWidgets         bool

	// Proxy / admin
	TrustProxyHeaders bool
	TrustedProxyIPs   []string

	// Server
	Workers int
	Addr    string

	// Health prober
	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	HealthCheckURL      string
	HealthCheckTimeout  time.Duration

	// Batch job store
	BatchJobPersistenceEnabled bool
	BatchJobPersistenceDir     string
	BatchStoreDriver           string // "jsonfile" | "sqlite"
	BatchJobTTL                time.Duration

	// Watchdog
	WatchdogInterval        time.Duration
	WatchdogForceReleaseAfter time.Duration
	WatchdogHardStuckAfter    time.Duration

	// Emergency cleanup
	EmergencyCleanupInterval time.Duration
	MemoryCleanupThreshold   float64

	// Rate limiting (ambient, defense in depth ahead of admission control)
	RateLimitRequestsPerHour int
	RateLimitBurst           int
	RateLimitBucketTTL       time.Duration
	RateLimitCleanupInterval time.Duration

	// Storage
	ArtifactDir string
	PublicBaseURL string
}

// Load reads .env (if present) then binds every key to an environment
// variable via viper, applies defaults, and validates cross-field
// invariants before returning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is a normal, non-fatal case in production.
		_ = err
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		BrowserPoolMinSize:          v.GetInt("browser_pool_min_size"),
		BrowserPoolMaxSize:          v.GetInt("browser_pool_max_size"),
		BrowserPoolIdleTimeout:      v.GetDuration("browser_pool_idle_timeout"),
		BrowserPoolMaxAge:           v.GetDuration("browser_pool_max_age"),
		BrowserPoolCleanupInterval:  v.GetDuration("browser_pool_cleanup_interval"),
		BrowserPoolScaleThreshold:   v.GetFloat64("browser_pool_scale_threshold"),
		BrowserPoolScaleFactor:      v.GetInt("browser_pool_scale_factor"),
		MaxWaitAttempts:             v.GetInt("max_wait_attempts"),
		BrowserRuntime:              v.GetString("browser_runtime"),
		BrowserHealthThreshold:      v.GetInt("browser_health_threshold"),
		BrowserMaxPages:             v.GetInt("browser_max_pages"),
		ForceBrowserRestartInterval: v.GetDuration("force_browser_restart_interval"),

		MaxTabsPerBrowser:                 v.GetInt("max_tabs_per_browser"),
		TabIdleTimeout:                    v.GetDuration("tab_idle_timeout"),
		TabMaxAge:                         v.GetDuration("tab_max_age"),
		TabCleanupInterval:                v.GetDuration("tab_cleanup_interval"),
		TabAcquireTimeout:                 v.GetDuration("tab_acquire_timeout"),
		EnableTabReuse:                    v.GetBool("enable_tab_reuse"),
		ContextRetryMaxRetriesMultiplier:  v.GetFloat64("context_retry_max_retries_multiplier"),
		ContextRetryBaseDelayMultiplier:   v.GetFloat64("context_retry_base_delay_multiplier"),
		ContextRetryMaxDelayMultiplier:    v.GetFloat64("context_retry_max_delay_multiplier"),
		ContextRetryJitterMultiplier:      v.GetFloat64("context_retry_jitter_multiplier"),
		PageCreationTimeout:               v.GetDuration("page_creation_timeout"),
		ContextCreationTimeout:            v.GetDuration("context_creation_timeout"),

		NavigationTimeoutRegular: v.GetDuration("navigation_timeout_regular"),
		NavigationTimeoutComplex: v.GetDuration("navigation_timeout_complex"),
		ScreenshotTimeout:        v.GetDuration("screenshot_timeout"),
		SettleTimeout:            v.GetDuration("settle_timeout"),
		MaxRetriesRegular:        v.GetInt("max_retries_regular"),
		MaxFreshRetries:          v.GetInt("max_fresh_retries"),
		RetryBaseDelay:           v.GetDuration("retry_base_delay"),
		RetryMaxDelay:            v.GetDuration("retry_max_delay"),
		RetryJitter:              v.GetFloat64("retry_jitter"),
		RouteSetupTimeout:        v.GetDuration("route_setup_timeout"),
		RequestDeadline:          v.GetDuration("request_deadline"),

		CircuitBreakerThreshold:  v.GetInt("circuit_breaker_threshold"),
		CircuitBreakerResetTime:  v.GetDuration("circuit_breaker_reset_time"),
		MaxConcurrentScreenshots: v.GetInt("max_concurrent_screenshots"),
		MaxConcurrentContexts:    v.GetInt("max_concurrent_contexts"),
		EnableRequestQueue:       v.GetBool("enable_request_queue"),
		MaxQueueSize:             v.GetInt("max_queue_size"),
		QueueTimeout:             v.GetDuration("queue_timeout"),
		EnableLoadShedding:       v.GetBool("enable_load_shedding"),
		LoadSheddingThreshold:    v.GetFloat64("load_shedding_threshold"),

		ResultCacheEnabled:  v.GetBool("result_cache_enabled"),
		ResultCacheTTL:      v.GetDuration("result_cache_ttl"),
		ResultCacheMaxItems: v.GetInt("result_cache_max_items"),

		ResourceCacheEnabled:         v.GetBool("resource_cache_enabled"),
		ResourceCacheAllContent:      v.GetBool("resource_cache_all_content"),
		ResourceCacheMaxTotalBytes:   v.GetInt64("resource_cache_max_total_bytes"),
		ResourceCacheMaxEntryBytes:   v.GetInt64("resource_cache_max_entry_bytes"),
		ResourceCacheTTL:             v.GetDuration("resource_cache_ttl"),
		ResourceCacheCleanupInterval: v.GetDuration("resource_cache_cleanup_interval"),
		ResourceCacheDir:             v.GetString("resource_cache_dir"),
		DisableFonts:                 v.GetBool("disable_fonts"),
		DisableMedia:                 v.GetBool("disable_media"),
		DisableAnalytics:             v.GetBool("disable_analytics"),
		DisableThirdPartyScripts:     v.GetBool("disable_third_party_scripts"),
		DisableAds:                   v.GetBool("disable_ads"),
		DisableSocialWidgets:         v.GetBool("disable_social_widgets"),

		TrustProxyHeaders: v.GetBool("trust_proxy_headers"),
		TrustedProxyIPs:   splitCSV(v.GetString("trusted_proxy_ips")),

		Workers: v.GetInt("workers"),
		Addr:    v.GetString("addr"),

		HealthCheckEnabled:  v.GetBool("health_check_enabled"),
		HealthCheckInterval: v.GetDuration("health_check_interval"),
		HealthCheckURL:      v.GetString("health_check_url"),
		HealthCheckTimeout:  v.GetDuration("health_check_timeout"),

		BatchJobPersistenceEnabled: v.GetBool("batch_job_persistence_enabled"),
		BatchJobPersistenceDir:     v.GetString("batch_job_persistence_dir"),
		BatchStoreDriver:           v.GetString("batch_store_driver"),
		BatchJobTTL:                v.GetDuration("batch_job_ttl"),

		WatchdogInterval:          v.GetDuration("watchdog_interval"),
		WatchdogForceReleaseAfter: v.GetDuration("watchdog_force_release_after"),
		WatchdogHardStuckAfter:    v.GetDuration("watchdog_hard_stuck_after"),

		EmergencyCleanupInterval: v.GetDuration("emergency_cleanup_interval"),
		MemoryCleanupThreshold:   v.GetFloat64("memory_cleanup_threshold"),

		RateLimitRequestsPerHour: v.GetInt("rate_limit_requests_per_hour"),
		RateLimitBurst:           v.GetInt("rate_limit_burst"),
		RateLimitBucketTTL:       v.GetDuration("rate_limit_bucket_ttl"),
		RateLimitCleanupInterval: v.GetDuration("rate_limit_cleanup_interval"),

		ArtifactDir:   v.GetString("artifact_dir"),
		PublicBaseURL: v.GetString("public_base_url"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces the cross-field invariants the original source
// checked with a standalone script (scripts/validate_config.py); here
// they run once at boot and fail fast with a descriptive error.
func (c *Config) Validate() error {
	if c.BrowserPoolMinSize < 0 || c.BrowserPoolMaxSize <= 0 {
		return fmt.Errorf("config: browser pool sizes must be positive")
	}
	if c.BrowserPoolMinSize > c.BrowserPoolMaxSize {
		return fmt.Errorf("config: browser_pool_min_size (%d) must be <= browser_pool_max_size (%d)", c.BrowserPoolMinSize, c.BrowserPoolMaxSize)
	}
	if c.MaxConcurrentScreenshots <= 0 || c.MaxConcurrentContexts <= 0 {
		return fmt.Errorf("config: concurrency limits must be positive")
	}
	if c.LoadSheddingThreshold <= 0 || c.LoadSheddingThreshold > 1 {
		return fmt.Errorf("config: load_shedding_threshold must be in (0,1], got %f", c.LoadSheddingThreshold)
	}
	if c.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("config: circuit_breaker_threshold must be positive")
	}
	if c.MaxTabsPerBrowser <= 0 {
		return fmt.Errorf("config: max_tabs_per_browser must be positive")
	}
	if c.BrowserRuntime != "process" && c.BrowserRuntime != "docker" {
		return fmt.Errorf("config: browser_runtime must be 'process' or 'docker', got %q", c.BrowserRuntime)
	}
	if c.BatchStoreDriver != "jsonfile" && c.BatchStoreDriver != "sqlite" {
		return fmt.Errorf("config: batch_store_driver must be 'jsonfile' or 'sqlite', got %q", c.BatchStoreDriver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("browser_pool_min_size", 2)
	v.SetDefault("browser_pool_max_size", 10)
	v.SetDefault("browser_pool_idle_timeout", "300s")
	v.SetDefault("browser_pool_max_age", "3600s")
	v.SetDefault("browser_pool_cleanup_interval", "60s")
	v.SetDefault("browser_pool_scale_threshold", 0.75)
	v.SetDefault("browser_pool_scale_factor", 2)
	v.SetDefault("max_wait_attempts", 8)
	v.SetDefault("browser_runtime", "process")
	v.SetDefault("browser_health_threshold", 5)
	v.SetDefault("browser_max_pages", 500)
	v.SetDefault("force_browser_restart_interval", "6h")

	v.SetDefault("max_tabs_per_browser", 20)
	v.SetDefault("tab_idle_timeout", "120s")
	v.SetDefault("tab_max_age", "900s")
	v.SetDefault("tab_cleanup_interval", "30s")
	v.SetDefault("tab_acquire_timeout", "5s")
	v.SetDefault("enable_tab_reuse", true)
	v.SetDefault("context_retry_max_retries_multiplier", 2.0)
	v.SetDefault("context_retry_base_delay_multiplier", 2.5)
	v.SetDefault("context_retry_max_delay_multiplier", 1.6)
	v.SetDefault("context_retry_jitter_multiplier", 2.0)
	v.SetDefault("page_creation_timeout", "30s")
	v.SetDefault("context_creation_timeout", "30s")

	v.SetDefault("navigation_timeout_regular", "20s")
	v.SetDefault("navigation_timeout_complex", "45s")
	v.SetDefault("screenshot_timeout", "20s")
	v.SetDefault("settle_timeout", "500ms")
	v.SetDefault("max_retries_regular", 3)
	v.SetDefault("max_fresh_retries", 3)
	v.SetDefault("retry_base_delay", "50ms")
	v.SetDefault("retry_max_delay", "2s")
	v.SetDefault("retry_jitter", 0.2)
	v.SetDefault("route_setup_timeout", "2s")
	v.SetDefault("request_deadline", "60s")

	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_reset_time", "60s")
	v.SetDefault("max_concurrent_screenshots", 10)
	v.SetDefault("max_concurrent_contexts", 20)
	v.SetDefault("enable_request_queue", true)
	v.SetDefault("max_queue_size", 100)
	v.SetDefault("queue_timeout", "15s")
	v.SetDefault("enable_load_shedding", true)
	v.SetDefault("load_shedding_threshold", 0.85)

	v.SetDefault("result_cache_enabled", true)
	v.SetDefault("result_cache_ttl", "3600s")
	v.SetDefault("result_cache_max_items", 1000)

	v.SetDefault("resource_cache_enabled", true)
	v.SetDefault("resource_cache_all_content", false)
	v.SetDefault("resource_cache_max_total_bytes", int64(500*1024*1024))
	v.SetDefault("resource_cache_max_entry_bytes", int64(10*1024*1024))
	v.SetDefault("resource_cache_ttl", "1800s")
	v.SetDefault("resource_cache_cleanup_interval", "120s")
	v.SetDefault("resource_cache_dir", "./storage/cache")
	v.SetDefault("disable_fonts", false)
	v.SetDefault("disable_media", false)
	v.SetDefault("disable_analytics", true)
	v.SetDefault("disable_third_party_scripts", false)
	v.SetDefault("disable_ads", true)
	v.SetDefault("disable_social_widgets", true)

	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("trusted_proxy_ips", "")

	v.SetDefault("workers", 4)
	v.SetDefault("addr", ":8080")

	v.SetDefault("health_check_enabled", true)
	v.SetDefault("health_check_interval", "300s")
	v.SetDefault("health_check_url", "https://example.com")
	v.SetDefault("health_check_timeout", "10s")

	v.SetDefault("batch_job_persistence_enabled", true)
	v.SetDefault("batch_job_persistence_dir", "./storage/jobs")
	v.SetDefault("batch_store_driver", "jsonfile")
	v.SetDefault("batch_job_ttl", "86400s")

	v.SetDefault("watchdog_interval", "30s")
	v.SetDefault("watchdog_force_release_after", "120s")
	v.SetDefault("watchdog_hard_stuck_after", "300s")

	v.SetDefault("emergency_cleanup_interval", "300s")
	v.SetDefault("memory_cleanup_threshold", 0.9)

	v.SetDefault("rate_limit_requests_per_hour", 3600)
	v.SetDefault("rate_limit_burst", 50)
	v.SetDefault("rate_limit_bucket_ttl", "10m")
	v.SetDefault("rate_limit_cleanup_interval", "1m")

	v.SetDefault("artifact_dir", "./storage/artifacts")
	v.SetDefault("public_base_url", "http://localhost:8080/artifacts")
}
