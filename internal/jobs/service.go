// Package jobs orchestrates synthesis jobs: request validation, fingerprint caching,
// lifecycle transitions and progress publication. The REST layer and the dispatcher both
// drive jobs exclusively through Service.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/fingerprint"
	"github.com/wolfeidau/ttsrunner/internal/lifecycle"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
	"github.com/wolfeidau/ttsrunner/internal/store"
	"github.com/wolfeidau/ttsrunner/internal/telemetry"
)

// Options wires a Service.
type Options struct {
	Store store.JobStore
	Index store.FingerprintIndex
	Hub   *broadcast.Hub

	// Artifacts, when set, is consulted before reusing a cached output so an expired
	// artifact is never handed to a new job.
	Artifacts artifact.Store

	// CacheEnabled turns fingerprint reuse on. Completions are always recorded.
	CacheEnabled bool
}

// Service implements every job operation.
type Service struct {
	store        store.JobStore
	index        store.FingerprintIndex
	hub          *broadcast.Hub
	artifacts    artifact.Store
	cacheEnabled bool
	metrics      *telemetry.Metrics
	now          func() time.Time

	mu          sync.RWMutex
	cancelHooks []func(jobID string)
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	return &Service{
		store:        opts.Store,
		index:        opts.Index,
		hub:          opts.Hub,
		artifacts:    opts.Artifacts,
		cacheEnabled: opts.CacheEnabled,
		metrics:      telemetry.GetMetrics(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// OnCancelRequested registers fn to be called when a processing job gets its cancel flag
// set through this service.
func (s *Service) OnCancelRequested(fn func(jobID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelHooks = append(s.cancelHooks, fn)
}

func (s *Service) notifyCancel(jobID string) {
	s.mu.RLock()
	hooks := s.cancelHooks
	s.mu.RUnlock()

	for _, fn := range hooks {
		fn(jobID)
	}
}

// Create validates the request and persists a new job. A fingerprint cache hit creates the
// job already completed.
func (s *Service) Create(ctx context.Context, ownerID string, req *models.CreateJobRequest) (*models.Job, error) {
	cfg, err := req.Validate()
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	now := s.now()
	job := &models.Job{
		ID:           id.String(),
		OwnerID:      ownerID,
		VoiceModelID: strings.TrimSpace(req.VoiceModelID),
		TextContent:  req.TextContent,
		TextLanguage: strings.TrimSpace(req.TextLanguage),
		Config:       cfg,
	}
	lifecycle.New(job, now)
	job.Fingerprint = fingerprint.Compute(fingerprint.FromJob(job))

	if source := s.cachedSource(ctx, job.Fingerprint); source != nil {
		if err := lifecycle.ResolveFromCache(job, source, now); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.JobsCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cache_hit", job.CacheHit)))

	log.Info().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("voice_model_id", job.VoiceModelID).
		Str("fingerprint", job.Fingerprint).
		Str("status", string(job.Status)).
		Bool("cache_hit", job.CacheHit).
		Msg("Job created")

	return job, nil
}

// cachedSource returns a completed job whose output can be reused for fingerprint, or nil.
// Stale entries are dropped from the index as they are found. Lookup failures degrade to
// a miss.
func (s *Service) cachedSource(ctx context.Context, fp string) *models.Job {
	if !s.cacheEnabled || s.index == nil {
		return nil
	}

	source, err := s.lookup(ctx, fp)
	result := "hit"
	switch {
	case err != nil:
		result = "error"
		log.Warn().Err(err).Str("fingerprint", fp).Msg("Fingerprint lookup failed, treating as miss")
	case source == nil:
		result = "miss"
	}
	s.metrics.CacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))

	return source
}

func (s *Service) lookup(ctx context.Context, fp string) (*models.Job, error) {
	id, found, err := s.index.Lookup(ctx, fp)
	if err != nil || !found {
		return nil, err
	}

	source, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		s.forget(ctx, fp, id, "source job deleted")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if source.Status != models.StatusCompleted || source.OutputRef == "" || source.Fingerprint != fp {
		s.forget(ctx, fp, id, "source job no longer matches")
		return nil, nil
	}

	if s.artifacts != nil && s.artifacts.Owns(source.OutputRef) {
		if _, err := s.artifacts.Touch(ctx, source.OutputRef); err != nil {
			if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrExpired) {
				s.forget(ctx, fp, id, "source artifact gone")
				return nil, nil
			}
			return nil, err
		}
	}

	return source, nil
}

func (s *Service) forget(ctx context.Context, fp, jobID, reason string) {
	if err := s.index.Forget(ctx, fp, jobID); err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Str("job_id", jobID).Msg("Failed to forget fingerprint entry")
		return
	}
	log.Debug().Str("fingerprint", fp).Str("job_id", jobID).Str("reason", reason).Msg("Fingerprint entry forgotten")
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of jobs and its pagination metadata. Text is omitted unless the
// filter asks for it.
func (s *Service) List(ctx context.Context, f query.Filter) ([]*models.Job, query.Pagination, error) {
	jobs, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, query.Pagination{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	if !f.IncludeText {
		for _, job := range jobs {
			job.TextContent = ""
		}
	}

	return jobs, query.NewPagination(f, len(jobs), total), nil
}

// Replace is a full update of a pending job's mutable fields. Omitted config fields fall
// back to their defaults.
func (s *Service) Replace(ctx context.Context, id string, req *models.CreateJobRequest) (*models.Job, error) {
	if err := models.ValidateText(req.TextContent); err != nil {
		return nil, err
	}
	if err := models.ValidateTextLanguage(req.TextLanguage); err != nil {
		return nil, err
	}
	cfg, err := req.ResolveConfig(models.DefaultConfig())
	if err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if voice := strings.TrimSpace(req.VoiceModelID); voice != "" && voice != current.VoiceModelID {
		return nil, &models.ValidationError{Field: "voice_model_id", Reason: "cannot be changed after creation"}
	}

	edit := func(job *models.Job) (string, string, models.SynthesisConfig, error) {
		return req.TextContent, strings.TrimSpace(req.TextLanguage), cfg, nil
	}
	return s.applyEdits(ctx, current, edit, nil)
}

// Patch applies a partial update: text/config edits while pending, and a cancel request
// via status=cancelled. Every other status change belongs to the dispatcher.
func (s *Service) Patch(ctx context.Context, id string, req *models.PatchJobRequest) (*models.Job, error) {
	if field := req.ResultField(); field != "" {
		return nil, &models.ValidationError{Field: field, Reason: "is set by the dispatcher and cannot be patched"}
	}

	var transition transitionFunc
	if req.Status != nil {
		target, ok := models.ParseStatus(string(*req.Status))
		if !ok {
			return nil, &models.ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(string(*req.Status))}
		}
		if target != models.StatusCancelled {
			// claiming, completing and failing happen through the dispatcher methods
			return nil, fmt.Errorf("%w: %s cannot be set through a patch", lifecycle.ErrInvalidState, target)
		}
		transition = requestCancel
	}

	if !req.HasEdits() {
		if transition == nil {
			return s.store.Get(ctx, id)
		}
		return s.update(ctx, id, func(job *models.Job) error {
			return transition(job, s.now())
		})
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	edit := func(job *models.Job) (string, string, models.SynthesisConfig, error) {
		text, lang, cfg, err := req.ValidateEdits(job)
		return text, strings.TrimSpace(lang), cfg, err
	}
	return s.applyEdits(ctx, current, edit, transition)
}

type transitionFunc func(job *models.Job, now time.Time) error

func requestCancel(job *models.Job, now time.Time) error {
	_, err := lifecycle.RequestCancel(job, now)
	return err
}

type editFunc func(job *models.Job) (text, lang string, cfg models.SynthesisConfig, err error)

// applyEdits changes text/config of a pending job, recomputes its fingerprint and resolves
// it from the cache when possible. The cache lookup happens outside the atomic update; the
// resolution is only applied if the fingerprint is unchanged by then.
func (s *Service) applyEdits(ctx context.Context, current *models.Job, edit editFunc, then transitionFunc) (*models.Job, error) {
	if err := lifecycle.CheckEditable(current); err != nil {
		return nil, err
	}

	text, lang, cfg, err := edit(current)
	if err != nil {
		return nil, err
	}
	expected := fingerprint.Compute(fingerprint.Input{Text: text, VoiceModelID: current.VoiceModelID, TextLanguage: lang, Config: cfg})
	source := s.cachedSource(ctx, expected)

	return s.update(ctx, current.ID, func(job *models.Job) error {
		if err := lifecycle.CheckEditable(job); err != nil {
			return err
		}

		text, lang, cfg, err := edit(job)
		if err != nil {
			return err
		}

		now := s.now()
		job.TextContent = text
		job.TextLanguage = lang
		job.Config = cfg
		job.Fingerprint = fingerprint.Compute(fingerprint.FromJob(job))
		job.UpdatedAt = now

		if source != nil && job.Fingerprint == expected && source.ID != job.ID {
			if err := lifecycle.ResolveFromCache(job, source, now); err != nil {
				return err
			}
		}

		if then != nil {
			return then(job, now)
		}
		return nil
	})
}

// Cancel requests cancellation. A pending job is cancelled immediately; a processing job is
// flagged and cancelled once the dispatcher acknowledges.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	return s.update(ctx, id, func(job *models.Job) error {
		_, err := lifecycle.RequestCancel(job, s.now())
		return err
	})
}

// Delete removes a job that is not processing.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.Delete(ctx, id, lifecycle.CheckDeletable)
	if err != nil {
		return err
	}

	// cache hits keep their own output reference, only the index entry goes
	if s.index != nil && job.Status == models.StatusCompleted && !job.CacheHit {
		s.forget(ctx, job.Fingerprint, job.ID, "job deleted")
	}
	s.hub.Drop(id)

	log.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("Job deleted")
	return nil
}

// update runs a transition atomically and then publishes the outcome.
func (s *Service) update(ctx context.Context, id string, fn store.UpdateFunc) (*models.Job, error) {
	var before models.Status
	var cancelFlag bool

	job, err := s.store.Update(ctx, id, func(job *models.Job) error {
		before, cancelFlag = job.Status, job.CancelRequested
		return fn(job)
	})
	if err != nil {
		return nil, err
	}

	s.afterUpdate(ctx, before, cancelFlag, job)
	return job, nil
}

func (s *Service) afterUpdate(ctx context.Context, before models.Status, hadCancelFlag bool, job *models.Job) {
	s.hub.Publish(broadcast.EventFromJob(job))

	if before != job.Status {
		log.Info().
			Str("job_id", job.ID).
			Str("from", string(before)).
			Str("status", string(job.Status)).
			Msg("Job status changed")
	}

	switch {
	case job.Status == models.StatusCompleted && before != models.StatusCompleted && !job.CacheHit:
		s.recordCompletion(ctx, job)
	case job.Status == models.StatusCancelled && before != models.StatusCancelled:
		s.metrics.JobsCancelledTotal.Add(ctx, 1)
	case job.Status == models.StatusProcessing && job.CancelRequested && !hadCancelFlag:
		log.Info().Str("job_id", job.ID).Msg("Cancel requested for processing job")
		s.notifyCancel(job.ID)
	}
}

// recordCompletion offers a freshly completed job to the fingerprint index.
func (s *Service) recordCompletion(ctx context.Context, job *models.Job) {
	if s.index == nil || job.CompletedAt == nil {
		return
	}

	canonical, err := s.index.Record(ctx, job.Fingerprint, job.ID, *job.CompletedAt)
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("fingerprint", job.Fingerprint).Msg("Failed to record fingerprint")
		return
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("fingerprint", job.Fingerprint).
		Str("canonical_job_id", canonical).
		Msg("Fingerprint recorded")
}
