package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mrfansi/web2img/internal/rewriter"
)

// handleListRules serves GET /url-transformer/rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rewriter.Rules())
}

// handleSetRule serves POST /url-transformer/rules.
func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if req.SourceHost == "" || req.TargetHost == "" {
		writeValidationError(w, "source_host and target_host are required")
		return
	}
	s.rewriter.SetRule(req.SourceHost, rewriter.Rule{TargetHost: req.TargetHost, Scheme: req.Scheme})
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteRule serves DELETE /url-transformer/rules/{host}.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	s.rewriter.DeleteRule(host)
	w.WriteHeader(http.StatusNoContent)
}

// handleTransform serves POST /url-transformer/transform.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeValidationError(w, "url is required")
		return
	}
	rewritten := s.rewriter.Rewrite(req.URL)
	writeJSON(w, http.StatusOK, TransformResponse{URL: req.URL, Rewritten: rewritten, Matched: rewritten != req.URL})
}

// handleCheck serves GET /url-transformer/check?url=….
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeValidationError(w, "url query parameter is required")
		return
	}
	rewritten, matched, err := s.rewriter.Check(url)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TransformResponse{URL: url, Rewritten: rewritten, Matched: matched})
}
