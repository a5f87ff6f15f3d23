package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	httpmiddleware "github.com/wolfeidau/ttsrunner/internal/http"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
)

type listResponse struct {
	Data []*models.Job `json:"data"`
	Meta listMeta      `json:"meta"`
}

type listMeta struct {
	Pagination query.Pagination `json:"pagination"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := s.jobs.Create(r.Context(), httpmiddleware.OwnerIDFromContext(r.Context()), &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/job/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f, err := query.ParseFilter(r.URL.Query())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	jobs, page, err := s.jobs.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: jobs, Meta: listMeta{Pagination: page}})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) replaceJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := s.jobs.Replace(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) patchJob(w http.ResponseWriter, r *http.Request) {
	var req models.PatchJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := s.jobs.Patch(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads a JSON body into v, answering 400 itself when it can't. Unknown
// top-level keys are ignored.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "invalid_json", "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed JSON body: "+err.Error())
		}
		return false
	}
	return true
}
