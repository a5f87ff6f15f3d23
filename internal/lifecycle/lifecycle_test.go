package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ttsrunner/internal/models"
)

func newPendingJob() *models.Job {
	job := &models.Job{ID: "job-1", Config: models.DefaultConfig()}
	New(job, time.Now())
	return job
}

func claimedJob(t *testing.T) *models.Job {
	t.Helper()
	job := newPendingJob()
	require.NoError(t, Claim(job, time.Now()))
	return job
}

func TestNew(t *testing.T) {
	job := newPendingJob()
	require.Equal(t, models.StatusPending, job.Status)
	require.Zero(t, job.Progress)
	require.False(t, job.CacheHit)
	require.Nil(t, job.CompletedAt)
}

func TestClaim(t *testing.T) {
	t.Run("pending job can be claimed once", func(t *testing.T) {
		job := newPendingJob()
		require.NoError(t, Claim(job, time.Now()))
		require.Equal(t, models.StatusProcessing, job.Status)

		err := Claim(job, time.Now())
		require.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("terminal job cannot be claimed", func(t *testing.T) {
		job := newPendingJob()
		_, err := RequestCancel(job, time.Now())
		require.NoError(t, err)

		err = Claim(job, time.Now())
		require.ErrorIs(t, err, ErrInvalidState)
		require.Equal(t, models.StatusCancelled, job.Status)
	})
}

func TestProgress(t *testing.T) {
	job := claimedJob(t)

	changed, err := Progress(job, 40, time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = Progress(job, 20, time.Now())
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 40.0, job.Progress)

	_, err = Progress(job, 250, time.Now())
	require.NoError(t, err)
	require.Equal(t, 100.0, job.Progress)

	pending := newPendingJob()
	_, err = Progress(pending, 10, time.Now())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestComplete(t *testing.T) {
	t.Run("forces progress to 100 and sets output", func(t *testing.T) {
		job := claimedJob(t)
		_, err := Progress(job, 55, time.Now())
		require.NoError(t, err)

		err = Complete(job, Outcome{OutputRef: "audio/job-1.wav", DurationSeconds: 1.5}, time.Now())
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, job.Status)
		require.Equal(t, 100.0, job.Progress)
		require.Equal(t, "audio/job-1.wav", job.OutputRef)
		require.NotNil(t, job.CompletedAt)
		require.InDelta(t, 1.5, *job.DurationSeconds, 0.0001)
	})

	t.Run("requires output reference", func(t *testing.T) {
		job := claimedJob(t)
		err := Complete(job, Outcome{}, time.Now())
		require.ErrorIs(t, err, ErrInvalidState)
		require.Equal(t, models.StatusProcessing, job.Status)
	})

	t.Run("timestamps kept only when requested", func(t *testing.T) {
		ts := []models.Timestamp{{Text: "hello", Start: 0, End: 0.4}}

		job := claimedJob(t)
		require.NoError(t, Complete(job, Outcome{OutputRef: "a", Timestamps: ts}, time.Now()))
		require.Nil(t, job.Timestamps)

		job = newPendingJob()
		job.Config.IncludeTimestamps = true
		require.NoError(t, Claim(job, time.Now()))
		require.NoError(t, Complete(job, Outcome{OutputRef: "a", Timestamps: ts}, time.Now()))
		require.Equal(t, ts, job.Timestamps)
	})

	t.Run("pending job cannot complete", func(t *testing.T) {
		job := newPendingJob()
		err := Complete(job, Outcome{OutputRef: "a"}, time.Now())
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestFail(t *testing.T) {
	job := claimedJob(t)
	_, err := Progress(job, 30, time.Now())
	require.NoError(t, err)

	require.ErrorIs(t, Fail(job, "  ", time.Now()), ErrInvalidState)

	require.NoError(t, Fail(job, "engine_unavailable: connection refused", time.Now()))
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, 30.0, job.Progress)
	require.NotEmpty(t, job.ErrorMessage)

	require.ErrorIs(t, Fail(job, "again", time.Now()), ErrInvalidState)
}

func TestCancel(t *testing.T) {
	t.Run("pending cancel is immediate", func(t *testing.T) {
		job := newPendingJob()
		immediate, err := RequestCancel(job, time.Now())
		require.NoError(t, err)
		require.True(t, immediate)
		require.Equal(t, models.StatusCancelled, job.Status)
	})

	t.Run("processing cancel waits for acknowledgement", func(t *testing.T) {
		job := claimedJob(t)
		_, err := Progress(job, 12, time.Now())
		require.NoError(t, err)

		immediate, err := RequestCancel(job, time.Now())
		require.NoError(t, err)
		require.False(t, immediate)
		require.True(t, job.CancelRequested)
		require.Equal(t, models.StatusProcessing, job.Status)

		// repeated requests are idempotent
		immediate, err = RequestCancel(job, time.Now())
		require.NoError(t, err)
		require.False(t, immediate)

		require.NoError(t, AcknowledgeCancel(job, time.Now()))
		require.Equal(t, models.StatusCancelled, job.Status)
		require.Equal(t, 12.0, job.Progress)
	})

	t.Run("terminal job cannot be cancelled", func(t *testing.T) {
		job := claimedJob(t)
		require.NoError(t, Fail(job, "boom", time.Now()))
		_, err := RequestCancel(job, time.Now())
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestResolveFromCache(t *testing.T) {
	duration := 2.25
	source := &models.Job{
		ID:              "source",
		Status:          models.StatusCompleted,
		OutputRef:       "audio/source.wav",
		DurationSeconds: &duration,
	}

	job := newPendingJob()
	require.NoError(t, ResolveFromCache(job, source, time.Now()))
	require.Equal(t, models.StatusCompleted, job.Status)
	require.True(t, job.CacheHit)
	require.Equal(t, 100.0, job.Progress)
	require.Equal(t, source.OutputRef, job.OutputRef)
	require.InDelta(t, duration, *job.DurationSeconds, 0.0001)

	// the duration is copied, not aliased
	*job.DurationSeconds = 9
	require.InDelta(t, 2.25, *source.DurationSeconds, 0.0001)

	notDone := &models.Job{ID: "x", Status: models.StatusFailed}
	require.ErrorIs(t, ResolveFromCache(newPendingJob(), notDone, time.Now()), ErrInvalidState)
}

func TestCheckEditableAndDeletable(t *testing.T) {
	pending := newPendingJob()
	require.NoError(t, CheckEditable(pending))
	require.NoError(t, CheckDeletable(pending))

	processing := claimedJob(t)
	require.ErrorIs(t, CheckEditable(processing), ErrConflictProcessing)
	require.ErrorIs(t, CheckDeletable(processing), ErrConflictProcessing)

	for _, status := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
		job := &models.Job{ID: "t", Status: status}
		require.ErrorIs(t, CheckEditable(job), ErrInvalidState, status)
		require.NoError(t, CheckDeletable(job), status)
	}
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(models.StatusPending, models.StatusProcessing))
	require.True(t, CanTransition(models.StatusProcessing, models.StatusFailed))
	require.False(t, CanTransition(models.StatusPending, models.StatusFailed))
	require.False(t, CanTransition(models.StatusCompleted, models.StatusPending))
	require.False(t, CanTransition(models.StatusCancelled, models.StatusProcessing))
}
