package server

import (
	"net/http"
	"strings"
	"time"
)

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// Jobs
	mux.HandleFunc("/v1/jobs/batch", s.handleJobsBatch)
	mux.HandleFunc("/v1/jobs/", s.routeJobs)
	mux.HandleFunc("/v1/jobs", s.handleJobs)

	// Event streams
	mux.HandleFunc("/v1/events", s.handleGlobalEvents)
	mux.HandleFunc("/v1/ws/jobs", s.handleJobsWS)

	// Metrics
	if s.app.Config.Server.EnableMetrics {
		mux.Handle("/metrics", s.app.Metrics.Handler())
	}
}

// routeJobs dispatches /v1/jobs/{id}[/result|/events] to the appropriate handler.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if rest == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	if len(parts) == 1 {
		s.handleJobByID(w, r, jobID)
		return
	}

	switch parts[1] {
	case "result":
		s.handleJobResult(w, r, jobID)
	case "events":
		s.handleJobEvents(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}
