package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	httpmiddleware "github.com/wolfeidau/ttsrunner/internal/http"
	"github.com/wolfeidau/ttsrunner/internal/jobs"
	"github.com/wolfeidau/ttsrunner/internal/lifecycle"
	"github.com/wolfeidau/ttsrunner/internal/logger"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/store"
)

// maxBodyBytes caps request bodies; text_content tops out well below this.
const maxBodyBytes = 1 << 20

// Config tunes the REST surface.
type Config struct {
	CORSOrigins []string
	RateLimit   httpmiddleware.RateLimitConfig

	// StreamHeartbeat is how often an idle progress stream gets a comment line to keep
	// proxies from closing it. Default: 15 seconds
	StreamHeartbeat time.Duration
}

// Server wraps the job service with the HTTP API
type Server struct {
	jobs      *jobs.Service
	hub       *broadcast.Hub
	artifacts artifact.Store
	cfg       Config
	limiter   *httpmiddleware.RateLimiter
}

// NewServer creates a new server. artifacts may be nil when audio lives outside this
// service.
func NewServer(svc *jobs.Service, hub *broadcast.Hub, artifacts artifact.Store, cfg Config) *Server {
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 15 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		jobs:      svc,
		hub:       hub,
		artifacts: artifacts,
		cfg:       cfg,
	}

	rl := cfg.RateLimit
	rl.OnLimited = func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	}
	s.limiter = httpmiddleware.NewRateLimiter(rl)

	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(httpmiddleware.ClientIPMiddleware())
	r.Use(logger.HTTPRequests(log))
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.OwnerMiddleware())

	// Health check endpoint for load balancer
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/job", func(r chi.Router) {
		r.With(s.limiter.Middleware()).Post("/", s.createJob)
		r.Get("/", s.listJobs)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.With(s.limiter.Middleware()).Put("/", s.replaceJob)
			r.With(s.limiter.Middleware()).Patch("/", s.patchJob)
			r.Delete("/", s.deleteJob)
			r.Get("/progress", s.streamProgress)
			r.Get("/audio", s.getAudio)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
	})

	return withCORS(s.cfg.CORSOrigins, r)
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "Accept", "Last-Event-ID", httpmiddleware.OwnerIDHeader},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
	})
	return middleware.Handler(h)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeServiceError maps a job service error onto a status and error code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, lifecycle.ErrConflictProcessing):
		writeError(w, http.StatusConflict, "conflict_processing", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyClaimed):
		// claims belong to the dispatcher, callers only see the state conflict
		writeError(w, http.StatusConflict, "invalid_state", "job is already processing")
	case errors.Is(err, store.ErrStorage):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Storage failure")
		writeError(w, http.StatusInternalServerError, "storage_error", "storage unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
