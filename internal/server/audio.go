package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/models"
)

// getAudio serves the stored audio of a completed job. Cache hits share the artifact of
// the job they reused.
func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusConflict, "invalid_state", "job is "+string(job.Status)+", audio is only available once completed")
		return
	}
	if s.artifacts == nil || !s.artifacts.Owns(job.OutputRef) {
		writeError(w, http.StatusNotFound, "not_found", "audio is stored outside this service at "+job.OutputRef)
		return
	}

	a, data, err := s.artifacts.Open(r.Context(), job.OutputRef)
	switch {
	case errors.Is(err, artifact.ErrExpired):
		writeError(w, http.StatusGone, "artifact_expired", "audio has expired")
		return
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "audio not found")
		return
	case err != nil:
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", strconv.Quote(a.Checksum))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
