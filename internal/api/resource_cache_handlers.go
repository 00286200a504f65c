package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// handleResourceCacheStats serves GET /browser-cache/stats.
func (s *Server) handleResourceCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.rescache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.rescache.Stats())
}

// handleResourceCacheInfo serves GET /browser-cache/info.
func (s *Server) handleResourceCacheInfo(w http.ResponseWriter, r *http.Request) {
	if s.rescache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	policy := s.rescache.PolicyView()
	writeJSON(w, http.StatusOK, ResourceCacheInfo{
		Dir:           s.rescache.Dir(),
		AllContent:    policy.AllContent,
		MaxEntryBytes: policy.MaxEntryBytes,
		MaxTotalBytes: policy.MaxTotalBytes,
		TTLSeconds:    int64(policy.TTL.Seconds()),
	})
}

// handleResourceCachePerformance serves GET /browser-cache/performance:
// the same counters as /stats, framed for a dashboard consumer that
// only cares about hit rate and footprint.
func (s *Server) handleResourceCachePerformance(w http.ResponseWriter, r *http.Request) {
	if s.rescache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	stats := s.rescache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hit_rate":    stats.HitRate,
		"entries":     stats.Entries,
		"total_bytes": stats.TotalBytes,
	})
}

// handleResourceCacheTest serves GET /browser-cache/test: a synthetic
// write-then-read round trip confirming the cache's backing directory
// is writable, without polluting it with a real entry.
func (s *Server) handleResourceCacheTest(w http.ResponseWriter, r *http.Request) {
	if s.rescache == nil {
		writeJSON(w, http.StatusOK, ResourceCacheTestResult{OK: false, Error: "resource cache disabled"})
		return
	}

	start := time.Now()
	probePath := filepath.Join(s.rescache.Dir(), ".probe-"+uuid.New().String())
	err := os.WriteFile(probePath, []byte("probe"), 0o644)
	if err == nil {
		_, err = os.ReadFile(probePath)
	}
	os.Remove(probePath)

	result := ResourceCacheTestResult{OK: err == nil, DurationMs: durationSince(start)}
	if err != nil {
		result.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

// handleResourceCacheCleanup serves POST /browser-cache/cleanup.
func (s *Server) handleResourceCacheCleanup(w http.ResponseWriter, r *http.Request) {
	if s.rescache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	s.rescache.RunCleanup()
	writeJSON(w, http.StatusOK, s.rescache.Stats())
}

// handleResourceCacheClear serves DELETE /browser-cache/clear.
func (s *Server) handleResourceCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.rescache != nil {
		s.rescache.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}
