// Package lifecycle validates and applies synthesis job state transitions.
//
// Every function mutates the job passed in only when the transition is legal; on error the
// job is left untouched. Callers apply these inside an atomic store update so the check and
// the write happen against the same snapshot.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

var (
	// ErrInvalidState is returned when the requested operation is not legal from the job's
	// current status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrConflictProcessing is returned when an edit or delete targets a processing job.
	ErrConflictProcessing = errors.New("job is processing")
	// ErrAlreadyClaimed is returned when a second dispatcher tries to claim a job.
	ErrAlreadyClaimed = errors.New("job already claimed")
)

// transitions lists the legal edges of the state machine.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusProcessing, models.StatusCancelled, models.StatusCompleted},
	models.StatusProcessing: {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine. The
// pending -> completed edge only exists for cache resolution.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(job *models.Job, to models.Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, job.Status, to)
}

// New initialises a freshly created job: pending with zero progress.
func New(job *models.Job, now time.Time) {
	job.Status = models.StatusPending
	job.Progress = 0
	job.ErrorMessage = ""
	job.OutputRef = ""
	job.DurationSeconds = nil
	job.Timestamps = nil
	job.CacheHit = false
	job.CancelRequested = false
	job.CompletedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
}

// Claim moves a pending job to processing. It is the only way into processing.
func Claim(job *models.Job, now time.Time) error {
	switch job.Status {
	case models.StatusPending:
	case models.StatusProcessing:
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, job.ID)
	default:
		return invalidTransition(job, models.StatusProcessing)
	}

	job.Status = models.StatusProcessing
	job.UpdatedAt = now
	return nil
}

// Progress records a progress report for a processing job. Progress never decreases and
// is clamped to [0, 100]. It returns false when the value was not an increase.
func Progress(job *models.Job, progress float64, now time.Time) (bool, error) {
	if job.Status != models.StatusProcessing {
		return false, fmt.Errorf("%w: progress reported for %s job", ErrInvalidState, job.Status)
	}

	progress = min(max(progress, 0), 100)
	if progress <= job.Progress {
		return false, nil
	}

	job.Progress = progress
	job.UpdatedAt = now
	return true, nil
}

// Outcome is the result of a successful synthesis.
type Outcome struct {
	OutputRef       string
	DurationSeconds float64
	Timestamps      []models.Timestamp
}

// Complete moves a processing job to completed. Progress is forced to 100.
func Complete(job *models.Job, out Outcome, now time.Time) error {
	if job.Status != models.StatusProcessing {
		return invalidTransition(job, models.StatusCompleted)
	}
	if strings.TrimSpace(out.OutputRef) == "" {
		return fmt.Errorf("%w: completion requires an output reference", ErrInvalidState)
	}

	duration := out.DurationSeconds
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.OutputRef = out.OutputRef
	job.DurationSeconds = &duration
	job.Timestamps = nil
	if job.Config.IncludeTimestamps {
		job.Timestamps = out.Timestamps
	}
	job.CancelRequested = false
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

// Fail moves a processing job to failed. Progress is left at its last value.
func Fail(job *models.Job, message string, now time.Time) error {
	if job.Status != models.StatusProcessing {
		return invalidTransition(job, models.StatusFailed)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: failure requires an error message", ErrInvalidState)
	}

	job.Status = models.StatusFailed
	job.ErrorMessage = message
	job.CancelRequested = false
	job.UpdatedAt = now
	return nil
}

// RequestCancel handles a cancellation request. A pending job is cancelled immediately and
// true is returned; a processing job only gets its cancel flag set and waits for the
// dispatcher to acknowledge.
func RequestCancel(job *models.Job, now time.Time) (bool, error) {
	switch job.Status {
	case models.StatusPending:
		job.Status = models.StatusCancelled
		job.UpdatedAt = now
		return true, nil
	case models.StatusProcessing:
		if !job.CancelRequested {
			job.CancelRequested = true
			job.UpdatedAt = now
		}
		return false, nil
	default:
		return false, invalidTransition(job, models.StatusCancelled)
	}
}

// AcknowledgeCancel moves a processing job to cancelled once the in-flight execution has
// stopped. Progress is left at its last value.
func AcknowledgeCancel(job *models.Job, now time.Time) error {
	if job.Status != models.StatusProcessing {
		return invalidTransition(job, models.StatusCancelled)
	}

	job.Status = models.StatusCancelled
	job.CancelRequested = false
	job.UpdatedAt = now
	return nil
}

// ResolveFromCache completes a pending job by reusing the output of an earlier completed
// job with the same fingerprint. The output reference is shared, not copied.
func ResolveFromCache(job, source *models.Job, now time.Time) error {
	if job.Status != models.StatusPending {
		return invalidTransition(job, models.StatusCompleted)
	}
	if source.Status != models.StatusCompleted || source.OutputRef == "" {
		return fmt.Errorf("%w: cache source %s is not completed", ErrInvalidState, source.ID)
	}

	job.Status = models.StatusCompleted
	job.Progress = 100
	job.CacheHit = true
	job.OutputRef = source.OutputRef
	if source.DurationSeconds != nil {
		d := *source.DurationSeconds
		job.DurationSeconds = &d
	}
	job.Timestamps = append([]models.Timestamp(nil), source.Timestamps...)
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

// CheckEditable returns nil if text or config may be changed.
func CheckEditable(job *models.Job) error {
	switch job.Status {
	case models.StatusPending:
		return nil
	case models.StatusProcessing:
		return fmt.Errorf("%w: %s cannot be edited", ErrConflictProcessing, job.ID)
	default:
		return fmt.Errorf("%w: %s job cannot be edited", ErrInvalidState, job.Status)
	}
}

// CheckDeletable returns nil if the job may be deleted.
func CheckDeletable(job *models.Job) error {
	if job.Status == models.StatusProcessing {
		return fmt.Errorf("%w: %s cannot be deleted", ErrConflictProcessing, job.ID)
	}
	return nil
}
