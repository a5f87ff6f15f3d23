package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/lifecycle"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/store"
)

// Operations used by the dispatcher. Each finishing operation honours a pending cancel
// flag: a job flagged for cancellation ends cancelled no matter how execution turned out.

// PendingIDs returns up to limit pending jobs, oldest first.
func (s *Service) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	return s.store.PendingIDs(ctx, limit)
}

// Claim takes the exclusive claim on a pending job. It fails with
// lifecycle.ErrAlreadyClaimed when another worker won the race.
func (s *Service) Claim(ctx context.Context, id string) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		return lifecycle.Claim(job, s.now())
	})
}

// PublishProgress broadcasts progress without persisting it.
func (s *Service) PublishProgress(jobID string, progress float64) {
	s.hub.Publish(broadcast.Event{
		JobID:    jobID,
		Status:   models.StatusProcessing,
		Progress: min(max(progress, 0), 100),
	})
}

// ReportProgress persists progress and broadcasts it.
func (s *Service) ReportProgress(ctx context.Context, id string, progress float64) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		_, err := lifecycle.Progress(job, progress, s.now())
		return err
	})
}

// CancelRequested reports whether the job's cancel flag is set.
func (s *Service) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == models.StatusProcessing && job.CancelRequested, nil
}

// Complete records a successful synthesis, or acknowledges a cancel requested meanwhile.
func (s *Service) Complete(ctx context.Context, id string, out lifecycle.Outcome) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		if job.CancelRequested {
			return lifecycle.AcknowledgeCancel(job, s.now())
		}
		return lifecycle.Complete(job, out, s.now())
	})
}

// Fail records a failed synthesis, or acknowledges a cancel requested meanwhile.
func (s *Service) Fail(ctx context.Context, id, message string) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		if job.CancelRequested {
			return lifecycle.AcknowledgeCancel(job, s.now())
		}
		return lifecycle.Fail(job, message, s.now())
	})
}

// AcknowledgeCancel moves a processing job to cancelled once its execution stopped.
func (s *Service) AcknowledgeCancel(ctx context.Context, id string) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		return lifecycle.AcknowledgeCancel(job, s.now())
	})
}

// FailStale fails processing jobs not updated since cutoff, typically left behind by a
// crashed process. It returns how many jobs were finished.
func (s *Service) FailStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	ids, err := s.store.StaleProcessingIDs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		_, err := s.update(ctx, id, func(job *models.Job) error {
			// re-checked under the lock, the job may have moved on since the scan
			if job.Status != models.StatusProcessing || !job.UpdatedAt.Before(cutoff) {
				return errNotStale
			}
			if job.CancelRequested {
				return lifecycle.AcknowledgeCancel(job, s.now())
			}
			return lifecycle.Fail(job, message, s.now())
		})
		switch {
		case err == nil:
			reaped++
			log.Warn().Str("job_id", id).Time("cutoff", cutoff).Msg("Stale processing job finished by reaper")
		case errors.Is(err, errNotStale), errors.Is(err, store.ErrJobNotFound):
		default:
			return reaped, fmt.Errorf("failed to reap job %s: %w", id, err)
		}
	}

	return reaped, nil
}

var errNotStale = errors.New("job is not stale")
