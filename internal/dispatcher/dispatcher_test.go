package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/jobs"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/store"
	"github.com/wolfeidau/ttsrunner/internal/store/memory"
	"github.com/wolfeidau/ttsrunner/internal/synth"
)

// engineFunc adapts a function to synth.Synthesizer.
type engineFunc func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error)

func (f engineFunc) Synthesize(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
	return f(ctx, req, onProgress)
}

// blockingEngine blocks every synthesis until its context ends.
func blockingEngine(started chan<- string) engineFunc {
	return func(ctx context.Context, req synth.Request, _ synth.ProgressFunc) (*synth.Result, error) {
		started <- req.JobID
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type testEnv struct {
	svc   *jobs.Service
	store *memory.JobStore
	index *memory.FingerprintIndex
	hub   *broadcast.Hub
	disp  *Dispatcher
}

func testConfig() Config {
	return Config{
		Workers:                 2,
		PollInterval:            10 * time.Millisecond,
		JobTimeout:              5 * time.Second,
		CancelPollInterval:      10 * time.Millisecond,
		ProgressPersistInterval: 20 * time.Millisecond,
		StaleGrace:              time.Second,
		ReapInterval:            time.Hour,
	}
}

func newTestEnv(t *testing.T, engine synth.Synthesizer, artifacts artifact.Store, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		store: memory.NewJobStore(),
		index: memory.NewFingerprintIndex(store.TieBreakEarliest),
		hub:   broadcast.NewHub(),
	}
	env.svc = jobs.NewService(jobs.Options{
		Store:        env.store,
		Index:        env.index,
		Hub:          env.hub,
		Artifacts:    artifacts,
		CacheEnabled: true,
	})
	env.disp = New(env.svc, engine, artifacts, cfg)
	t.Cleanup(env.hub.Close)
	return env
}

// start runs the dispatcher until the test ends or stop is called.
func (env *testEnv) start(t *testing.T) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.disp.Run(ctx)
	}()

	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func (env *testEnv) create(t *testing.T, text, voice string) *models.Job {
	t.Helper()
	job, err := env.svc.Create(context.Background(), "owner-1", &models.CreateJobRequest{
		TextContent:  text,
		VoiceModelID: voice,
	})
	require.NoError(t, err)
	return job
}

func (env *testEnv) waitForStatus(t *testing.T, id string, status models.Status) *models.Job {
	t.Helper()

	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = env.svc.Get(context.Background(), id)
		require.NoError(t, err)
		return job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func newFileStore(t *testing.T) *artifact.FileStore {
	t.Helper()
	fs, err := artifact.NewFileStore(artifact.FileStoreConfig{Dir: t.TempDir(), Compress: true})
	require.NoError(t, err)
	return fs
}

func TestDispatcherCompletesJob(t *testing.T) {
	artifacts := newFileStore(t)
	engine := synth.NewSimulator(synth.SimulatorConfig{Steps: 4, StepDelay: 5 * time.Millisecond})
	env := newTestEnv(t, engine, artifacts, testConfig())
	env.start(t)

	job := env.create(t, "Hello there world again", "vm_1")
	done := env.waitForStatus(t, job.ID, models.StatusCompleted)

	require.Equal(t, 100.0, done.Progress)
	require.False(t, done.CacheHit)
	require.NotNil(t, done.DurationSeconds)
	require.InDelta(t, 1.6, *done.DurationSeconds, 0.001)
	require.True(t, strings.HasPrefix(done.OutputRef, "file://"))

	a, audio, err := artifacts.Open(context.Background(), done.OutputRef)
	require.NoError(t, err)
	require.Equal(t, "audio/wav", a.ContentType)
	require.NotEmpty(t, audio)
}

func TestDispatcherEngineReference(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
		return &synth.Result{AudioRef: "s3://bucket/" + req.JobID + ".mp3", DurationSeconds: 2}, nil
	})
	env := newTestEnv(t, engine, nil, testConfig())
	env.start(t)

	job := env.create(t, "Hello", "vm_1")
	done := env.waitForStatus(t, job.ID, models.StatusCompleted)
	require.Equal(t, "s3://bucket/"+job.ID+".mp3", done.OutputRef)
}

func TestDispatcherFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result *synth.Result
		prefix string
	}{
		{name: "invalid voice", err: synth.ErrInvalidVoiceModel, prefix: "invalid_voice_model: "},
		{name: "engine unavailable", err: synth.ErrEngineUnavailable, prefix: "engine_unavailable: "},
		{name: "engine timeout", err: synth.ErrSynthesisTimeout, prefix: "synthesis_timeout: "},
		{name: "unknown failure", err: errors.New("boom"), prefix: "synthesis_failed: boom"},
		{name: "nil result", prefix: "synthesis_failed: engine returned no result"},
		{name: "empty result", result: &synth.Result{}, prefix: "synthesis_failed: "},
		{name: "audio without a store", result: &synth.Result{Audio: []byte("RIFF")}, prefix: "synthesis_failed: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
				onProgress(40)
				return tt.result, tt.err
			})
			env := newTestEnv(t, engine, nil, testConfig())
			env.start(t)

			job := env.create(t, "Hello", "vm_1")
			failed := env.waitForStatus(t, job.ID, models.StatusFailed)

			require.True(t, strings.HasPrefix(failed.ErrorMessage, tt.prefix), failed.ErrorMessage)
			require.Equal(t, 40.0, failed.Progress)
			require.Empty(t, failed.OutputRef)
		})
	}
}

func TestDispatcherTimeout(t *testing.T) {
	started := make(chan string, 1)
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond

	env := newTestEnv(t, blockingEngine(started), nil, cfg)
	env.start(t)

	job := env.create(t, "Hello", "vm_1")
	failed := env.waitForStatus(t, job.ID, models.StatusFailed)
	require.True(t, strings.HasPrefix(failed.ErrorMessage, "synthesis_timeout: "), failed.ErrorMessage)
}

func TestDispatcherCancel(t *testing.T) {
	t.Run("cancel through the service", func(t *testing.T) {
		started := make(chan string, 1)
		env := newTestEnv(t, blockingEngine(started), nil, testConfig())
		env.start(t)

		job := env.create(t, "Hello", "vm_1")
		require.Equal(t, job.ID, <-started)

		_, err := env.svc.Cancel(context.Background(), job.ID)
		require.NoError(t, err)

		cancelled := env.waitForStatus(t, job.ID, models.StatusCancelled)
		require.False(t, cancelled.CancelRequested)
		require.Empty(t, cancelled.OutputRef)
	})

	t.Run("flag set by another process", func(t *testing.T) {
		started := make(chan string, 1)
		env := newTestEnv(t, blockingEngine(started), nil, testConfig())
		env.start(t)

		job := env.create(t, "Hello", "vm_1")
		require.Equal(t, job.ID, <-started)

		// written straight to the store, so no in-process hook fires
		_, err := env.store.Update(context.Background(), job.ID, func(j *models.Job) error {
			j.CancelRequested = true
			return nil
		})
		require.NoError(t, err)

		env.waitForStatus(t, job.ID, models.StatusCancelled)
	})

	t.Run("engine finishing after the request still ends cancelled", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan string, 1)
		engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
			started <- req.JobID
			<-release
			return &synth.Result{AudioRef: "ref", DurationSeconds: 1}, nil
		})
		cfg := testConfig()
		cfg.CancelPollInterval = time.Hour

		env := newTestEnv(t, engine, nil, cfg)
		env.start(t)

		job := env.create(t, "Hello", "vm_1")
		require.Equal(t, job.ID, <-started)

		_, err := env.svc.Cancel(context.Background(), job.ID)
		require.NoError(t, err)
		close(release)

		cancelled := env.waitForStatus(t, job.ID, models.StatusCancelled)
		require.Empty(t, cancelled.OutputRef)
	})
}

func TestDispatcherBoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})

	engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &synth.Result{AudioRef: "ref-" + req.JobID, DurationSeconds: 1}, nil
	})

	env := newTestEnv(t, engine, nil, testConfig())
	env.start(t)

	ids := make([]string, 0, 5)
	for i := range 5 {
		job := env.create(t, strings.Repeat("word ", i+1), "vm_1")
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	// the pool stays full while the remaining jobs wait
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), running.Load())
	require.Equal(t, 2, env.disp.Running())

	close(release)
	for _, id := range ids {
		env.waitForStatus(t, id, models.StatusCompleted)
	}
	require.Equal(t, int32(2), peak.Load())
}

func TestDispatcherSkipsCacheHits(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
		calls.Add(1)
		return &synth.Result{AudioRef: "ref-" + req.JobID, DurationSeconds: 1}, nil
	})
	env := newTestEnv(t, engine, nil, testConfig())
	env.start(t)

	first := env.create(t, "Hello world", "vm_1")
	env.waitForStatus(t, first.ID, models.StatusCompleted)

	// the fingerprint is recorded just after the completion lands
	require.Eventually(t, func() bool {
		id, ok, err := env.index.Lookup(context.Background(), first.Fingerprint)
		return err == nil && ok && id == first.ID
	}, time.Second, 5*time.Millisecond)

	second := env.create(t, "Hello world", "vm_1")
	require.Equal(t, models.StatusCompleted, second.Status)
	require.True(t, second.CacheHit)
	require.Equal(t, "ref-"+first.ID, second.OutputRef)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestDispatcherReapsStaleJobs(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, req synth.Request, onProgress synth.ProgressFunc) (*synth.Result, error) {
		return nil, errors.New("unexpected synthesis")
	})
	env := newTestEnv(t, engine, nil, testConfig())
	ctx := context.Background()

	stale := env.create(t, "Hello", "vm_1")
	_, err := env.svc.Claim(ctx, stale.ID)
	require.NoError(t, err)
	_, err = env.store.Update(ctx, stale.ID, func(j *models.Job) error {
		j.UpdatedAt = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	fresh := env.create(t, "Another", "vm_1")
	_, err = env.svc.Claim(ctx, fresh.ID)
	require.NoError(t, err)

	env.start(t)

	failed := env.waitForStatus(t, stale.ID, models.StatusFailed)
	require.True(t, strings.HasPrefix(failed.ErrorMessage, "synthesis_timeout: "), failed.ErrorMessage)

	current, err := env.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, current.Status)
}

func TestDispatcherShutdownFailsInFlight(t *testing.T) {
	started := make(chan string, 1)
	env := newTestEnv(t, blockingEngine(started), nil, testConfig())
	stop := env.start(t)

	job := env.create(t, "Hello", "vm_1")
	require.Equal(t, job.ID, <-started)

	stop()

	failed := env.waitForStatus(t, job.ID, models.StatusFailed)
	require.True(t, strings.HasPrefix(failed.ErrorMessage, "engine_unavailable: "), failed.ErrorMessage)
}

func TestDispatcherStreamsProgress(t *testing.T) {
	engine := synth.NewSimulator(synth.SimulatorConfig{Steps: 4, StepDelay: 10 * time.Millisecond})
	env := newTestEnv(t, engine, newFileStore(t), testConfig())

	job := env.create(t, "Hello world", "vm_1")
	sub := env.hub.Subscribe(job.ID, broadcast.EventFromJob(job))
	defer sub.Close()

	env.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		progress []float64
		final    broadcast.Event
	)
	for {
		ev, ok := sub.Next(ctx)
		require.True(t, ok, "stream ended before completion")
		if ev.Complete {
			break
		}
		progress = append(progress, ev.Progress)
		final = ev
	}

	require.Equal(t, models.StatusCompleted, final.Status)
	require.Equal(t, 100.0, final.Progress)
	require.NotEmpty(t, final.OutputFilePath)
	require.IsNonDecreasing(t, progress)
	require.Contains(t, progress, 50.0)
}
