package api

import "net/http"

// handleResultCacheStats serves GET /cache/stats.
func (s *Server) handleResultCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.results.Stats())
}

// handleResultCacheClear serves DELETE /cache.
func (s *Server) handleResultCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.results != nil {
		s.results.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResultCacheInvalidateURL serves DELETE /cache/url?url=….
func (s *Server) handleResultCacheInvalidateURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeValidationError(w, "url query parameter is required")
		return
	}
	removed := 0
	if s.results != nil {
		removed = s.results.InvalidateByURL(url)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
