package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
	"github.com/wolfeidau/ttsrunner/internal/store"
)

var _ store.JobStore = (*JobStore)(nil)

// JobStore implements store.JobStore using in-memory storage. Every job handed in or out
// is cloned so callers never share memory with stored state.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job // job ID -> Job
}

// NewJobStore creates a new in-memory job store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*models.Job),
	}
}

func (s *JobStore) Start() error { return nil }

func (s *JobStore) Stop() error { return nil }

// Create adds a new job
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
	}

	s.jobs[job.ID] = job.Clone()

	log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// Get returns a copy of a job
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// Update runs fn against a copy of the job while holding the write lock and swaps the copy
// in only when fn succeeds.
func (s *JobStore) Update(ctx context.Context, id string, fn store.UpdateFunc) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// identity fields can't be changed through an update
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.VoiceModelID = current.VoiceModelID
	next.CreatedAt = current.CreatedAt

	s.jobs[id] = next
	return next.Clone(), nil
}

// Delete removes a job when check approves it
func (s *JobStore) Delete(ctx context.Context, id string, check func(job *models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}

	if check != nil {
		if err := check(job.Clone()); err != nil {
			return nil, err
		}
	}

	delete(s.jobs, id)
	return job, nil
}

// List filters, sorts and pages the stored jobs
func (s *JobStore) List(ctx context.Context, filter query.Filter) ([]*models.Job, int, error) {
	s.mu.RLock()
	all := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	page, total := query.Apply(all, filter)

	out := make([]*models.Job, 0, len(page))
	for _, job := range page {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	return out, total, nil
}

// PendingIDs returns pending job ids oldest first
func (s *JobStore) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	pending := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.Status == models.StatusPending {
			pending = append(pending, job)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(pending, query.Filter{SortOrder: query.SortAsc}.Compare)

	ids := make([]string, 0, min(limit, len(pending)))
	for _, job := range pending[:min(limit, len(pending))] {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// StaleProcessingIDs returns processing jobs last updated before the cutoff
func (s *JobStore) StaleProcessingIDs(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, job := range s.jobs {
		if job.Status == models.StatusProcessing && job.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
