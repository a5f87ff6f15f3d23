package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	// ErrStorage wraps failures of the persistence backend itself.
	ErrStorage = errors.New("storage error")
)

// UpdateFunc mutates a job inside an atomic read-modify-write. Returning an error aborts the
// update and leaves the stored job untouched.
type UpdateFunc func(job *models.Job) error

// JobStore defines the interface for synthesis job storage operations
type JobStore interface {
	// Create persists a new job. Creation is all-or-nothing.
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)

	// Update applies fn to the current job under a per-job exclusive lock and persists the
	// result. Two concurrent updates of the same job are serialized, so a status check made
	// inside fn is never stale.
	Update(ctx context.Context, id string, fn UpdateFunc) (*models.Job, error)

	// Delete removes a job after check approves its current state. The removed job is returned.
	Delete(ctx context.Context, id string, check func(job *models.Job) error) (*models.Job, error)

	// List returns one page of jobs matching the filter along with the filtered total.
	List(ctx context.Context, filter query.Filter) ([]*models.Job, int, error)

	// PendingIDs returns up to limit pending job ids, oldest first.
	PendingIDs(ctx context.Context, limit int) ([]string, error)

	// StaleProcessingIDs returns ids of processing jobs not updated since before.
	StaleProcessingIDs(ctx context.Context, before time.Time) ([]string, error)

	// Lifecycle
	Start() error
	Stop() error
}

// FingerprintIndex maps a fingerprint to the canonical completed job that produced it.
type FingerprintIndex interface {
	// Lookup returns the canonical job id for a fingerprint.
	Lookup(ctx context.Context, fingerprint string) (string, bool, error)

	// Record offers jobID as the canonical entry for fingerprint and returns whichever job
	// is canonical afterwards. Concurrent calls converge on a single entry.
	Record(ctx context.Context, fingerprint, jobID string, completedAt time.Time) (string, error)

	// Forget removes the entry only if it still points at jobID.
	Forget(ctx context.Context, fingerprint, jobID string) error
}

// TieBreak decides which of two completions sharing a fingerprint becomes canonical.
type TieBreak string

const (
	TieBreakEarliest TieBreak = "earliest"
	TieBreakLatest   TieBreak = "latest"
)

// Prefers reports whether the candidate completion should replace the current entry.
// Equal completion times fall back to the lowest job id.
func (t TieBreak) Prefers(candidateID string, candidateAt time.Time, currentID string, currentAt time.Time) bool {
	if !candidateAt.Equal(currentAt) {
		if t == TieBreakLatest {
			return candidateAt.After(currentAt)
		}
		return candidateAt.Before(currentAt)
	}
	return candidateID < currentID
}

// ParseTieBreak converts a configuration value into a TieBreak.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case TieBreakEarliest, TieBreakLatest:
		return TieBreak(s), nil
	case "":
		return TieBreakEarliest, nil
	default:
		return "", errors.New("tie break must be earliest or latest")
	}
}
