package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mrfansi/web2img/internal/apierr"
	"github.com/mrfansi/web2img/internal/batch"
	"github.com/mrfansi/web2img/internal/driver"
)

func validFormat(f string) bool {
	switch driver.Format(f) {
	case driver.FormatPNG, driver.FormatJPEG, driver.FormatWebP:
		return true
	default:
		return false
	}
}

func validDimension(v int) bool { return v >= 1 && v <= 4096 }

// handleScreenshot serves POST /screenshot?cache={true|false}.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeValidationError(w, "url is required")
		return
	}
	if !validDimension(req.Width) || !validDimension(req.Height) {
		writeValidationError(w, "width and height must be in [1, 4096]")
		return
	}
	if !validFormat(req.Format) {
		writeValidationError(w, "format must be one of png, jpeg, webp")
		return
	}

	useCache := r.URL.Query().Get("cache") != "false"

	artifact, err := s.processor.Process(r.Context(), req.URL, req.Width, req.Height, req.Format, useCache)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ScreenshotResponse{URL: artifact})
}

// handleCreateBatch serves POST /batch/screenshots.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeValidationError(w, "items must not be empty")
		return
	}
	for _, item := range req.Items {
		if item.URL == "" || !validDimension(item.Width) || !validDimension(item.Height) || !validFormat(item.Format) {
			writeValidationError(w, "each item requires a url, width/height in [1,4096], and a valid format")
			return
		}
	}
	if req.Config.Parallel < 1 || req.Config.Parallel > 10 {
		writeValidationError(w, "config.parallel must be in [1,10]")
		return
	}
	if req.Config.TimeoutSeconds < 1 || req.Config.TimeoutSeconds > 60 {
		writeValidationError(w, "config.timeout must be in [1,60] seconds")
		return
	}

	items := batchItemsFrom(req.Items, s.newJobItemID)
	job, err := s.batchStore.Create(items, req.Config)
	if err != nil {
		s.writeError(w, apierr.Wrap(apierr.KindInternal, "batch: create job failed", err))
		return
	}

	// The scheduler runs for the life of the job, well past this
	// request's context, so it is handed an independent background
	// context rather than r.Context().
	go s.scheduler.Run(context.Background(), job.ID)

	writeJSON(w, http.StatusAccepted, job)
}

// handleGetBatch serves GET /batch/screenshots/{job_id}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, ok := s.batchStore.Get(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, apierr.New(apierr.KindValidation, "job not found").ToBody())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetBatchResults serves GET /batch/screenshots/{job_id}/results.
func (s *Server) handleGetBatchResults(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, ok := s.batchStore.Get(jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if job.Status == batch.JobQueued || job.Status == batch.JobProcessing {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job has not reached a terminal state"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}
