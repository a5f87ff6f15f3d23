package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ttsrunner/internal/artifact"
	"github.com/wolfeidau/ttsrunner/internal/broadcast"
	"github.com/wolfeidau/ttsrunner/internal/lifecycle"
	"github.com/wolfeidau/ttsrunner/internal/models"
	"github.com/wolfeidau/ttsrunner/internal/query"
	"github.com/wolfeidau/ttsrunner/internal/store"
	"github.com/wolfeidau/ttsrunner/internal/store/memory"
)

type testEnv struct {
	svc   *Service
	store *memory.JobStore
	index *memory.FingerprintIndex
	hub   *broadcast.Hub
}

func newTestEnv(t *testing.T, cache bool, artifacts artifact.Store) *testEnv {
	t.Helper()

	env := &testEnv{
		store: memory.NewJobStore(),
		index: memory.NewFingerprintIndex(store.TieBreakEarliest),
		hub:   broadcast.NewHub(),
	}
	env.svc = NewService(Options{
		Store:        env.store,
		Index:        env.index,
		Hub:          env.hub,
		Artifacts:    artifacts,
		CacheEnabled: cache,
	})
	t.Cleanup(env.hub.Close)
	return env
}

func ptr[T any](v T) *T { return &v }

func helloRequest() *models.CreateJobRequest {
	return &models.CreateJobRequest{
		TextContent:     "Hello world",
		VoiceModelID:    "vm_1",
		SynthesisParams: models.SynthesisParams{Speed: ptr(1.2)},
	}
}

// finish drives a pending job through the dispatcher operations to completed.
func (env *testEnv) finish(t *testing.T, id, outputRef string) *models.Job {
	t.Helper()
	ctx := context.Background()

	_, err := env.svc.Claim(ctx, id)
	require.NoError(t, err)
	job, err := env.svc.Complete(ctx, id, lifecycle.Outcome{OutputRef: outputRef, DurationSeconds: 0.8})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status)
	return job
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	t.Run("pending with fingerprint", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", helloRequest())
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, job.Status)
		require.Zero(t, job.Progress)
		require.False(t, job.CacheHit)
		require.NotEmpty(t, job.Fingerprint)
		require.Equal(t, "owner-1", job.OwnerID)
		require.InDelta(t, 1.2, job.Config.Speed, 0.0001)

		stored, err := env.svc.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.Fingerprint, stored.Fingerprint)
	})

	t.Run("invalid request never reaches the store", func(t *testing.T) {
		req := helloRequest()
		req.Speed = ptr(9.0)

		_, err := env.svc.Create(ctx, "owner-1", req)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "speed", verr.Field)

		_, total, err := env.store.List(ctx, query.Filter{Limit: 10, OwnerID: "owner-1"})
		require.NoError(t, err)
		require.Equal(t, 1, total)
	})
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	first, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	env.finish(t, first.ID, "file://first.wav")

	second, err := env.svc.Create(ctx, "owner-2", &models.CreateJobRequest{
		TextContent:     "  Hello   world ",
		VoiceModelID:    "vm_1",
		SynthesisParams: models.SynthesisParams{Speed: ptr(1.2)},
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, second.Status)
	require.True(t, second.CacheHit)
	require.Equal(t, 100.0, second.Progress)
	require.Equal(t, "file://first.wav", second.OutputRef)
	require.NotNil(t, second.CompletedAt)

	t.Run("different config misses", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "Hello world", VoiceModelID: "vm_1"})
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, job.Status)
	})

	t.Run("deleted source stops new hits only", func(t *testing.T) {
		require.NoError(t, env.svc.Delete(ctx, first.ID))

		still, err := env.svc.Get(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, "file://first.wav", still.OutputRef)

		third, err := env.svc.Create(ctx, "owner-1", helloRequest())
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, third.Status)

		_, found, err := env.index.Lookup(ctx, first.Fingerprint)
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, nil)

	first, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	env.finish(t, first.ID, "file://first.wav")

	// completions are still recorded for when the cache is turned on
	id, found, err := env.index.Lookup(ctx, first.Fingerprint)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.ID, id)

	second, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, second.Status)
}

type fakeArtifacts struct {
	artifact.Store
	touchErr error
}

func (f *fakeArtifacts) Owns(handle string) bool { return true }

func (f *fakeArtifacts) Touch(_ context.Context, handle string) (*artifact.Artifact, error) {
	if f.touchErr != nil {
		return nil, f.touchErr
	}
	return &artifact.Artifact{Handle: handle}, nil
}

func TestCacheSkipsExpiredArtifact(t *testing.T) {
	ctx := context.Background()
	artifacts := &fakeArtifacts{}
	env := newTestEnv(t, true, artifacts)

	first, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	env.finish(t, first.ID, "file://first.wav")

	hit, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	require.True(t, hit.CacheHit)

	artifacts.touchErr = artifact.ErrExpired

	miss, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, miss.Status)

	_, found, err := env.index.Lookup(ctx, first.Fingerprint)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPatchEdits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	job, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)

	t.Run("pending job is editable", func(t *testing.T) {
		edited, err := env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{
			TextContent:     ptr("Goodbye world"),
			SynthesisParams: models.SynthesisParams{Pitch: ptr(1.5)},
		})
		require.NoError(t, err)
		require.Equal(t, "Goodbye world", edited.TextContent)
		require.InDelta(t, 1.5, edited.Config.Pitch, 0.0001)
		require.InDelta(t, 1.2, edited.Config.Speed, 0.0001)
		require.NotEqual(t, job.Fingerprint, edited.Fingerprint)
	})

	t.Run("invalid edit is rejected", func(t *testing.T) {
		_, err := env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{
			SynthesisParams: models.SynthesisParams{Config: []byte(`{"speed":1.0,"emotion":"happy"}`)},
		})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("processing job conflicts", func(t *testing.T) {
		_, err := env.svc.Claim(ctx, job.ID)
		require.NoError(t, err)

		_, err = env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{TextContent: ptr("too late")})
		require.ErrorIs(t, err, lifecycle.ErrConflictProcessing)
	})

	t.Run("terminal job is not editable", func(t *testing.T) {
		_, err := env.svc.Complete(ctx, job.ID, lifecycle.Outcome{OutputRef: "file://x.wav"})
		require.NoError(t, err)

		_, err = env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{TextContent: ptr("too late")})
		require.ErrorIs(t, err, lifecycle.ErrInvalidState)
	})
}

func TestEditResolvesFromCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	done, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	env.finish(t, done.ID, "file://done.wav")

	other, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "Something else", VoiceModelID: "vm_1", SynthesisParams: models.SynthesisParams{Speed: ptr(1.2)}})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, other.Status)

	edited, err := env.svc.Patch(ctx, other.ID, &models.PatchJobRequest{TextContent: ptr("Hello world")})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, edited.Status)
	require.True(t, edited.CacheHit)
	require.Equal(t, "file://done.wav", edited.OutputRef)
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, nil)

	job, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)

	replaced, err := env.svc.Replace(ctx, job.ID, &models.CreateJobRequest{TextContent: "New text", TextLanguage: "en-AU"})
	require.NoError(t, err)
	require.Equal(t, "New text", replaced.TextContent)
	require.Equal(t, "en-AU", replaced.TextLanguage)
	require.Equal(t, models.DefaultConfig(), replaced.Config)
	require.Equal(t, "vm_1", replaced.VoiceModelID)

	_, err = env.svc.Replace(ctx, job.ID, &models.CreateJobRequest{TextContent: "x", VoiceModelID: "vm_2"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "voice_model_id", verr.Field)

	_, err = env.svc.Replace(ctx, "missing", &models.CreateJobRequest{TextContent: "x"})
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestPatchTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	t.Run("only cancel is accepted", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", helloRequest())
		require.NoError(t, err)

		for _, status := range []models.Status{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
			_, err := env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{Status: ptr(status)})
			require.ErrorIs(t, err, lifecycle.ErrInvalidState, "status %s", status)
		}

		got, err := env.svc.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)
		require.Zero(t, got.Progress)

		cancelled, err := env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{Status: ptr(models.StatusCancelled)})
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, cancelled.Status)
	})

	t.Run("result fields are rejected", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "Result fields", VoiceModelID: "vm_1"})
		require.NoError(t, err)

		tests := []struct {
			field string
			req   *models.PatchJobRequest
		}{
			{"progress", &models.PatchJobRequest{Progress: json.RawMessage(`50`)}},
			{"error_message", &models.PatchJobRequest{ErrorMessage: json.RawMessage(`"boom"`)}},
			{"output_file_path", &models.PatchJobRequest{Status: ptr(models.StatusCompleted), OutputFilePath: json.RawMessage(`"http://elsewhere.example/out.wav"`)}},
			{"duration_seconds", &models.PatchJobRequest{DurationSeconds: json.RawMessage(`1.5`)}},
			{"timestamps", &models.PatchJobRequest{Timestamps: json.RawMessage(`[]`)}},
		}
		for _, tt := range tests {
			_, err := env.svc.Patch(ctx, job.ID, tt.req)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		}
	})

	t.Run("a running job cannot be completed from outside", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "Running job", VoiceModelID: "vm_1"})
		require.NoError(t, err)
		_, err = env.svc.Claim(ctx, job.ID)
		require.NoError(t, err)

		_, err = env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{Status: ptr(models.StatusCompleted)})
		require.ErrorIs(t, err, lifecycle.ErrInvalidState)
		_, err = env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{Status: ptr(models.StatusFailed)})
		require.ErrorIs(t, err, lifecycle.ErrInvalidState)

		// the dispatcher still owns the outcome, and nothing reached the index
		_, found, err := env.index.Lookup(ctx, job.Fingerprint)
		require.NoError(t, err)
		require.False(t, found)

		done, err := env.svc.Complete(ctx, job.ID, lifecycle.Outcome{OutputRef: "s3://bucket/running.wav"})
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, done.Status)
		require.Equal(t, "s3://bucket/running.wav", done.OutputRef)
	})

	t.Run("cancel on a running job sets the flag", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "Cancel while running", VoiceModelID: "vm_1"})
		require.NoError(t, err)
		_, err = env.svc.Claim(ctx, job.ID)
		require.NoError(t, err)

		flagged, err := env.svc.Patch(ctx, job.ID, &models.PatchJobRequest{Status: ptr(models.StatusCancelled)})
		require.NoError(t, err)
		require.Equal(t, models.StatusProcessing, flagged.Status)
		require.True(t, flagged.CancelRequested)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	var mu sync.Mutex
	var notified []string
	env.svc.OnCancelRequested(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, id)
	})

	t.Run("pending is immediate", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", helloRequest())
		require.NoError(t, err)

		cancelled, err := env.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, cancelled.Status)
	})

	t.Run("processing waits for acknowledgement", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", helloRequest())
		require.NoError(t, err)
		_, err = env.svc.Claim(ctx, job.ID)
		require.NoError(t, err)

		flagged, err := env.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusProcessing, flagged.Status)
		require.True(t, flagged.CancelRequested)

		requested, err := env.svc.CancelRequested(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, requested)

		mu.Lock()
		require.Equal(t, []string{job.ID}, notified)
		mu.Unlock()

		// a result arriving after the flag still ends cancelled
		done, err := env.svc.Complete(ctx, job.ID, lifecycle.Outcome{OutputRef: "file://late.wav"})
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, done.Status)
		require.Empty(t, done.OutputRef)

		_, found, err := env.index.Lookup(ctx, job.Fingerprint)
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("terminal cannot be cancelled", func(t *testing.T) {
		job, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "other", VoiceModelID: "vm_2"})
		require.NoError(t, err)
		env.finish(t, job.ID, "file://other.wav")

		_, err = env.svc.Cancel(ctx, job.ID)
		require.ErrorIs(t, err, lifecycle.ErrInvalidState)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	job, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, job.ID)
	require.NoError(t, err)

	err = env.svc.Delete(ctx, job.ID)
	require.ErrorIs(t, err, lifecycle.ErrConflictProcessing)

	_, err = env.svc.Fail(ctx, job.ID, "synthesis_timeout: slow")
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, job.ID))
	require.ErrorIs(t, env.svc.Delete(ctx, job.ID), store.ErrJobNotFound)
}

func TestFailStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	stale, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, stale.ID)
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(time.Minute)

	reaped, err := env.svc.FailStale(ctx, cutoff, "synthesis_timeout: abandoned")
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	job, err := env.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, "synthesis_timeout: abandoned", job.ErrorMessage)

	reaped, err = env.svc.FailStale(ctx, cutoff, "synthesis_timeout: abandoned")
	require.NoError(t, err)
	require.Zero(t, reaped)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		env.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		_, err := env.svc.Create(ctx, "owner-1", &models.CreateJobRequest{TextContent: "text number " + string(rune('a'+i)), VoiceModelID: "vm_1"})
		require.NoError(t, err)
	}

	f := query.DefaultFilter()
	f.Limit = 2

	page, meta, err := env.svc.List(ctx, f)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Empty(t, page[0].TextContent)
	require.Equal(t, query.Pagination{TotalCount: 5, Limit: 2, Offset: 0, HasMore: true}, meta)
	require.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	f.IncludeText = true
	f.Offset = 4
	page, meta, err = env.svc.List(ctx, f)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "text number a", page[0].TextContent)
	require.False(t, meta.HasMore)

	f.Offset = 50
	page, meta, err = env.svc.List(ctx, f)
	require.NoError(t, err)
	require.Empty(t, page)
	require.Equal(t, 5, meta.TotalCount)
}

func TestProgressStreamScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, nil)

	job, err := env.svc.Create(ctx, "owner-1", helloRequest())
	require.NoError(t, err)

	sub := env.hub.Subscribe(job.ID, broadcast.EventFromJob(job))
	defer sub.Close()

	_, err = env.svc.Claim(ctx, job.ID)
	require.NoError(t, err)
	env.svc.PublishProgress(job.ID, 25)
	_, err = env.svc.ReportProgress(ctx, job.ID, 60)
	require.NoError(t, err)
	_, err = env.svc.Complete(ctx, job.ID, lifecycle.Outcome{OutputRef: "file://hello.wav", DurationSeconds: 1.1})
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var events []broadcast.Event
	for {
		ev, ok := sub.Next(readCtx)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	require.NoError(t, readCtx.Err())

	require.Equal(t, models.StatusPending, events[0].Status)
	require.Zero(t, events[0].Progress)

	last := events[len(events)-2]
	require.Equal(t, models.StatusCompleted, last.Status)
	require.Equal(t, 100.0, last.Progress)
	require.Equal(t, "file://hello.wav", last.OutputFilePath)
	require.True(t, events[len(events)-1].Complete)

	for i := 1; i < len(events)-1; i++ {
		require.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
}

func TestStorageFailureIsReported(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.svc.store = failingStore{JobStore: env.store}

	_, err := env.svc.Create(context.Background(), "owner-1", helloRequest())
	require.ErrorIs(t, err, store.ErrStorage)
}

type failingStore struct {
	store.JobStore
}

func (failingStore) Create(context.Context, *models.Job) error {
	return errors.Join(store.ErrStorage, errors.New("disk full"))
}
