package api

import "net/http"

// handleMetrics serves GET /metrics: the full shared metrics snapshot as JSON.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsReg == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.metricsReg.Snapshot())
}

// handleMetricsWS serves GET /metrics/ws, streaming snapshots at the
// hub's configured broadcast interval (≥ 1 Hz).
func (s *Server) handleMetricsWS(w http.ResponseWriter, r *http.Request) {
	if s.metricsHub == nil {
		http.Error(w, "metrics streaming disabled", http.StatusServiceUnavailable)
		return
	}
	s.metricsHub.ServeWS(w, r)
}
