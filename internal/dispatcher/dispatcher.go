// Package dispatcher drives pending jobs through the synthesis engine with a bounded pool
// of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/jobs"
	"github.com/wolfeidau/ttsrunner/internal/lifecycle"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/synth"
	"github.com/wolfeidau/ttsrunner/internal/telemetry"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("dispatcher stopped")
)

// finalizeTimeout bounds the store writes made after the engine returned.
const finalizeTimeout = 30 * time.Second

// Config tunes the dispatcher.
type Config struct {
	Workers                 int           // maximum concurrent syntheses
	PollInterval            time.Duration // how often pending jobs are looked for
	JobTimeout              time.Duration // per-job synthesis deadline
	CancelPollInterval      time.Duration // how often a running job's cancel flag is re-read
	ProgressPersistInterval time.Duration // minimum gap between persisted progress updates
	StaleGrace              time.Duration // added to JobTimeout before a processing job is reaped
	ReapInterval            time.Duration // how often stale processing jobs are looked for
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		PollInterval:            500 * time.Millisecond,
		JobTimeout:              5 * time.Minute,
		CancelPollInterval:      time.Second,
		ProgressPersistInterval: time.Second,
		StaleGrace:              time.Minute,
		ReapInterval:            time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = d.CancelPollInterval
	}
	if c.ProgressPersistInterval <= 0 {
		c.ProgressPersistInterval = d.ProgressPersistInterval
	}
	if c.StaleGrace < 0 {
		c.StaleGrace = d.StaleGrace
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	return c
}

// Dispatcher claims pending jobs and runs them against a Synthesizer.
type Dispatcher struct {
	cfg       Config
	jobs      *jobs.Service
	engine    synth.Synthesizer
	artifacts artifact.Store
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates a Dispatcher. artifacts may be nil when the engine returns references
// instead of audio.
func New(svc *jobs.Service, engine synth.Synthesizer, artifacts artifact.Store, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		cfg:       cfg,
		jobs:      svc,
		engine:    engine,
		artifacts: artifacts,
		metrics:   telemetry.GetMetrics(),
		tracer:    telemetry.Tracer(),
		slots:     make(chan struct{}, cfg.Workers),
		wake:      make(chan struct{}, 1),
		running:   make(map[string]context.CancelCauseFunc),
	}

	svc.OnCancelRequested(d.cancelRunning)

	return d
}

// Run dispatches jobs until ctx is done. In-flight syntheses are then stopped and their
// jobs failed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Int("workers", d.cfg.Workers).
		Dur("job_timeout", d.cfg.JobTimeout).
		Msg("Dispatcher started")

	d.reap(ctx)

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(d.cfg.ReapInterval)
	defer reap.Stop()

	for {
		d.dispatchPending(ctx)

		select {
		case <-ctx.Done():
			d.stopRunning()
			d.wg.Wait()
			log.Info().Msg("Dispatcher stopped")
			return nil
		case <-poll.C:
		case <-d.wake:
		case <-reap.C:
			d.reap(ctx)
		}
	}
}

// Wake triggers a dispatch pass without waiting for the next poll.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dispatchPending claims as many pending jobs as there are free workers.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	free := cap(d.slots) - len(d.slots)
	if free == 0 || ctx.Err() != nil {
		return
	}

	ids, err := d.jobs.PendingIDs(ctx, free)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending jobs")
		return
	}

	for _, id := range ids {
		select {
		case d.slots <- struct{}{}:
		default:
			return
		}

		job, err := d.jobs.Claim(ctx, id)
		if err != nil {
			<-d.slots
			if errors.Is(err, lifecycle.ErrAlreadyClaimed) || errors.Is(err, lifecycle.ErrInvalidState) {
				log.Debug().Str("job_id", id).Msg("Job no longer pending, skipping")
				continue
			}
			log.Error().Err(err).Str("job_id", id).Msg("Failed to claim job")
			continue
		}

		jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		d.track(job.ID, cancel)

		d.wg.Add(1)
		go func() {
			defer func() {
				d.untrack(job.ID)
				cancel(nil)
				<-d.slots
				d.wg.Done()
				d.Wake()
			}()
			d.execute(jobCtx, job)
		}()
	}
}

// execute runs one claimed job to a terminal state.
func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	finalizeCtx := context.WithoutCancel(ctx)

	ctx, span := d.tracer.Start(ctx, "synthesize", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("voice_model.id", job.VoiceModelID),
		attribute.String("output.format", job.Config.OutputFormat),
	))
	defer span.End()

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, d.cfg.JobTimeout, synth.ErrSynthesisTimeout)
	defer cancelTimeout()

	d.metrics.JobsInFlight.Add(ctx, 1)
	defer d.metrics.JobsInFlight.Add(finalizeCtx, -1)

	stopWatch := d.watchCancel(ctx, job.ID)
	defer stopWatch()

	logger := log.With().Str("job_id", job.ID).Str("voice_model_id", job.VoiceModelID).Logger()
	logger.Info().Msg("Synthesis started")

	progress := newProgressBatcher(d.cfg.ProgressPersistInterval,
		func(p float64) { d.jobs.PublishProgress(job.ID, p) },
		func(p float64) error {
			_, err := d.jobs.ReportProgress(finalizeCtx, job.ID, p)
			return err
		},
	)

	start := time.Now()
	res, err := d.engine.Synthesize(ctx, synth.Request{
		JobID:        job.ID,
		Text:         job.TextContent,
		VoiceModelID: job.VoiceModelID,
		TextLanguage: job.TextLanguage,
		Config:       job.Config,
	}, progress.Add)
	elapsed := time.Since(start)
	progress.Stop()

	d.metrics.SynthesisDuration.Record(finalizeCtx, float64(elapsed.Milliseconds()))

	finalizeCtx, cancelFinalize := context.WithTimeout(finalizeCtx, finalizeTimeout)
	defer cancelFinalize()

	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, errCancelRequested):
			logger.Info().Dur("elapsed", elapsed).Msg("Synthesis cancelled")
			span.SetStatus(codes.Error, synth.CodeCancelled)
			if _, err := d.jobs.AcknowledgeCancel(finalizeCtx, job.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to acknowledge cancel")
			}
		case errors.Is(cause, errShutdown):
			d.fail(finalizeCtx, span, job.ID, fmt.Errorf("%w: %w", synth.ErrEngineUnavailable, errShutdown))
		case errors.Is(cause, synth.ErrSynthesisTimeout):
			d.fail(finalizeCtx, span, job.ID, fmt.Errorf("%w after %s", synth.ErrSynthesisTimeout, d.cfg.JobTimeout))
		default:
			d.fail(finalizeCtx, span, job.ID, err)
		}
		return
	}

	out, err := d.storeOutput(finalizeCtx, job, res)
	if err != nil {
		d.fail(finalizeCtx, span, job.ID, err)
		return
	}

	done, err := d.jobs.Complete(finalizeCtx, job.ID, out)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to complete job")
		span.RecordError(err)
		return
	}

	if done.Status == models.StatusCompleted {
		d.metrics.JobsCompletedTotal.Add(finalizeCtx, 1)
		span.SetStatus(codes.Ok, "")
	}

	logger.Info().
		Str("status", string(done.Status)).
		Dur("elapsed", elapsed).
		Float64("duration_seconds", out.DurationSeconds).
		Str("output_file_path", out.OutputRef).
		Msg("Synthesis finished")
}

// storeOutput persists the engine's audio and returns the job outcome.
func (d *Dispatcher) storeOutput(ctx context.Context, job *models.Job, res *synth.Result) (lifecycle.Outcome, error) {
	if res == nil {
		return lifecycle.Outcome{}, errors.New("engine returned no result")
	}

	out := lifecycle.Outcome{
		OutputRef:       res.AudioRef,
		DurationSeconds: res.DurationSeconds,
		Timestamps:      res.Timestamps,
	}

	if len(res.Audio) == 0 {
		if out.OutputRef == "" {
			return out, errors.New("engine returned neither audio nor a reference")
		}
		return out, nil
	}

	if d.artifacts == nil {
		return out, errors.New("engine returned audio but no artifact store is configured")
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = artifact.ContentTypeFor(job.Config.OutputFormat)
	}

	a, err := d.artifacts.Put(ctx, job.ID+"."+job.Config.OutputFormat, contentType, res.Audio)
	if err != nil {
		return out, fmt.Errorf("failed to store audio: %w", err)
	}

	d.metrics.ArtifactBytes.Add(ctx, a.Size)

	out.OutputRef = a.Handle
	return out, nil
}

// fail records an engine failure on the job.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, jobID string, cause error) {
	message := synth.ErrorMessage(cause)
	code := synth.Code(cause)

	span.RecordError(cause)
	span.SetStatus(codes.Error, code)

	job, err := d.jobs.Fail(ctx, jobID, message)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job failure")
		return
	}

	if job.Status == models.StatusFailed {
		d.metrics.JobsFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}

	log.Warn().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Str("error_message", message).
		Msg("Synthesis failed")
}

// watchCancel polls the job's cancel flag, catching requests made through another
// process. The returned func stops the watcher.
func (d *Dispatcher) watchCancel(ctx context.Context, jobID string) func() {
	watchCtx, stop := context.WithCancel(ctx)

	// a request may have landed between the claim and tracking
	d.checkCancel(watchCtx, jobID)

	go func() {
		ticker := time.NewTicker(d.cfg.CancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				d.checkCancel(watchCtx, jobID)
			}
		}
	}()

	return stop
}

func (d *Dispatcher) checkCancel(ctx context.Context, jobID string) {
	requested, err := d.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("job_id", jobID).Msg("Failed to read cancel flag")
		}
		return
	}
	if requested {
		d.cancelRunning(jobID)
	}
}

// reap finishes processing jobs abandoned by a previous process.
func (d *Dispatcher) reap(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	window := d.cfg.JobTimeout + d.cfg.StaleGrace
	cutoff := time.Now().UTC().Add(-window)
	message := synth.ErrorMessage(fmt.Errorf("%w: no progress for %s", synth.ErrSynthesisTimeout, window))

	n, err := d.jobs.FailStale(ctx, cutoff, message)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reap stale jobs")
	}
	if n > 0 {
		d.metrics.JobsReapedTotal.Add(ctx, int64(n))
		log.Warn().Int("count", n).Msg("Reaped stale processing jobs")
	}
}

func (d *Dispatcher) track(jobID string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[jobID] = cancel
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, jobID)
}

// cancelRunning stops the job's synthesis when it runs in this process.
func (d *Dispatcher) cancelRunning(jobID string) {
	d.mu.Lock()
	cancel, ok := d.running[jobID]
	d.mu.Unlock()

	if ok {
		log.Debug().Str("job_id", jobID).Msg("Signalling cancel to running synthesis")
		cancel(errCancelRequested)
	}
}

func (d *Dispatcher) stopRunning() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cancel := range d.running {
		cancel(errShutdown)
	}
}

// Running returns how many syntheses are in flight.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
