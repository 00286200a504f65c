package api

import (
	"time"

	"github.com/mrfansi/web2img/internal/batch"
)

// ScreenshotRequest is the body of POST /screenshot.
type ScreenshotRequest struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// ScreenshotResponse is the 200 body of POST /screenshot.
type ScreenshotResponse struct {
	URL string `json:"url"`
}

// BatchItemRequest is one item within a POST /batch/screenshots body.
type BatchItemRequest struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// BatchRequest is the body of POST /batch/screenshots.
type BatchRequest struct {
	Items  []BatchItemRequest `json:"items"`
	Config batch.Config       `json:"config"`
}

// HealthResponse is the body of GET /health, combining the background
// prober's liveness view with the current process-wide metrics snapshot.
type HealthResponse struct {
	Status  string      `json:"status"`
	Health  interface{} `json:"health"`
	Metrics interface{} `json:"metrics"`
}

// RuleRequest is the body of POST /url-transformer/rules.
type RuleRequest struct {
	SourceHost string `json:"source_host"`
	TargetHost string `json:"target_host"`
	Scheme     string `json:"scheme"`
}

// TransformRequest is the body of POST /url-transformer/transform.
type TransformRequest struct {
	URL string `json:"url"`
}

// TransformResponse is returned by both /url-transformer/transform and
// /url-transformer/check.
type TransformResponse struct {
	URL       string `json:"url"`
	Rewritten string `json:"rewritten"`
	Matched   bool   `json:"matched"`
}

// ResourceCacheInfo describes the resource cache's static configuration,
// returned by GET /browser-cache/info.
type ResourceCacheInfo struct {
	Dir           string `json:"dir"`
	AllContent    bool   `json:"all_content"`
	MaxEntryBytes int64  `json:"max_entry_bytes"`
	MaxTotalBytes int64  `json:"max_total_bytes"`
	TTLSeconds    int64  `json:"ttl_seconds"`
}

// ResourceCacheTestResult is returned by GET /browser-cache/test, a
// synthetic write-then-read probe confirming the cache is writable.
type ResourceCacheTestResult struct {
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// batchItemsFrom converts the wire request items into store Items,
// generating an ID for any item that didn't supply one.
func batchItemsFrom(reqs []BatchItemRequest, newID func() string) []batch.Item {
	out := make([]batch.Item, 0, len(reqs))
	for _, r := range reqs {
		id := r.ID
		if id == "" {
			id = newID()
		}
		out = append(out, batch.Item{
			ID: id, URL: r.URL, Width: r.Width, Height: r.Height, Format: r.Format,
			Status: batch.ItemPending,
		})
	}
	return out
}

func durationSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
