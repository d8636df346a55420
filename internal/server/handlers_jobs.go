package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/nimbus/internal/geometry"
	"github.com/bobmcallan/nimbus/internal/models"
)

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		WriteErrorWithCode(w, http.StatusBadRequest, validation.Error(), "validation")
	case errors.Is(err, geometry.ErrInvalid):
		WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), "validation")
	case errors.Is(err, models.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, models.ErrResultNotFound):
		WriteError(w, http.StatusNotFound, "Result not available")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleJobs handles POST /v1/jobs (submit) and GET /v1/jobs (list).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobSubmit(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if !DecodeJSON(w, r, s.maxBody(), &req) {
		return
	}

	jobID, err := s.app.Fetch.SubmitJob(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

// batchRequest is the envelope for POST /v1/jobs/batch.
type batchRequest struct {
	Jobs []*models.JobRequest `json:"jobs"`
}

func (s *Server) handleJobsBatch(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var batch batchRequest
	if !DecodeJSON(w, r, s.maxBody(), &batch) {
		return
	}
	if len(batch.Jobs) == 0 {
		WriteError(w, http.StatusBadRequest, "jobs array is required")
		return
	}

	jobIDs, err := s.app.Fetch.SubmitJobs(r.Context(), batch.Jobs)
	if err != nil {
		// Earlier requests in the batch may already be submitted; the
		// client can find them through the list endpoint.
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{"job_ids": jobIDs})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := &models.JobFilter{
		State:    query.Get("state"),
		Provider: query.Get("provider"),
		Page:     queryInt(query.Get("page"), 1),
		PageSize: queryInt(query.Get("page_size"), 50),
	}

	if raw := query.Get("date_from"); raw != "" {
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid date_from, expected YYYY-MM-DD")
			return
		}
		filter.DateFrom = &t
	}
	if raw := query.Get("date_to"); raw != "" {
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid date_to, expected YYYY-MM-DD")
			return
		}
		// Inclusive end of day.
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.DateTo = &end
	}

	list, err := s.app.Fetch.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, list)
}

// handleJobByID handles GET /v1/jobs/{id} (status) and DELETE /v1/jobs/{id} (cancel).
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodGet:
		status, err := s.app.Fetch.GetStatus(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)

	case http.MethodDelete:
		accepted, err := s.app.Fetch.CancelJob(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":           jobID,
			"cancel_requested": accepted,
		})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	result, err := s.app.Fetch.GetResult(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// handleJobEvents handles GET /v1/jobs/{id}/events. With stream=1 or an
// Accept: text/event-stream header the response is SSE; otherwise one
// JSON page of the event log.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := s.app.Fetch.GetStatus(r.Context(), jobID); err != nil {
		writeServiceError(w, err)
		return
	}

	sinceID := sinceEventID(r)

	if wantsSSE(r) {
		s.app.Streamer.Stream(w, r, jobID, sinceID)
		return
	}

	events, err := s.app.Fetch.ListEvents(r.Context(), &models.EventFilter{
		JobID:   jobID,
		SinceID: sinceID,
		Limit:   queryInt(r.URL.Query().Get("limit"), 100),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleGlobalEvents handles GET /v1/events, an SSE stream across all jobs.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	s.app.Streamer.Stream(w, r, "", sinceEventID(r))
}

// handleJobsWS handles GET /v1/ws/jobs, the WebSocket event feed.
func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	s.app.Hub.ServeWS(w, r)
}

func wantsSSE(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "1" {
		return true
	}
	return r.Header.Get("Accept") == "text/event-stream"
}

// sinceEventID reads the resume cursor from the since_id query parameter
// or the Last-Event-ID header a reconnecting SSE client sends.
func sinceEventID(r *http.Request) int64 {
	raw := r.URL.Query().Get("since_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
