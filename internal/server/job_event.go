package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/store"
	"github.com/wolfeidau/ttsrunner/internal/telemetry"
)

// streamProgress serves GET /job/{id}/progress as a text/event-stream. Each event is a
// data line holding the job's progress; the stream ends with {"event":"complete"} once the
// job is terminal.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := zerolog.Ctx(ctx).With().Str("job_id", id).Logger()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	sub := s.hub.Subscribe(id, broadcast.EventFromJob(job))
	defer sub.Close()

	// a transition may have landed between the read and the subscribe
	latest, err := s.jobs.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		s.hub.Drop(id)
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to re-read job for progress stream")
	case latest.Status.IsTerminal():
		s.hub.Publish(broadcast.EventFromJob(latest))
	}

	rc := http.NewResponseController(w)
	// streams outlive the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug().Err(err).Msg("Failed to clear write deadline")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error().Err(err).Msg("Progress stream not supported by response writer")
		return
	}

	metrics := telemetry.GetMetrics()
	metrics.ActiveStreams.Add(ctx, 1)
	defer metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	logger.Debug().Msg("Progress stream opened")

	for {
		nextCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamHeartbeat)
		ev, ok := sub.Next(nextCtx)
		heartbeat := !ok && nextCtx.Err() != nil && ctx.Err() == nil
		cancel()

		switch {
		case heartbeat:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case !ok:
			logger.Debug().Msg("Progress stream closed")
			return
		default:
			if err := writeEvent(w, ev); err != nil {
				logger.Debug().Err(err).Msg("Progress stream write failed")
				return
			}
			if ev.Complete {
				_ = rc.Flush()
				logger.Debug().Msg("Progress stream complete")
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
