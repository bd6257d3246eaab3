package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// startRun handles POST /v1/sources/{key}/start. It returns 202 when a run
// was launched, 404 for unconfigured sources, and 409 when one is already active.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.Start(key); err != nil {
		s.writeControlError(w, key, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_key": key, "status": "started"})
}

// resumeRun handles POST /v1/sources/{key}/resume.
func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.Resume(key); err != nil {
		s.writeControlError(w, key, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_key": key, "status": "resumed"})
}

// stopRun handles POST /v1/sources/{key}/stop. The run ends at its next page
// boundary; 409 is returned when nothing is running for key.
func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.control.Stop(key); err != nil {
		s.writeControlError(w, key, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_key": key, "status": "stopping"})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	status, err := s.control.Status(r.Context(), key)
	if err != nil {
		s.writeControlError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeControlError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, crawler.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown source")
	case errors.Is(err, crawler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "crawl already running")
	case errors.Is(err, crawler.ErrNotRunning):
		writeError(w, http.StatusConflict, "no crawl running")
	default:
		s.logger.Error("control request failed", zap.String("source", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "control request failed")
	}
}
