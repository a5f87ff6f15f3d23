package synth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("wrapped: %w", ErrSynthesisTimeout), CodeSynthesisTimeout},
		{"deadline", context.DeadlineExceeded, CodeSynthesisTimeout},
		{"invalid voice", ErrInvalidVoiceModel, CodeInvalidVoiceModel},
		{"unavailable", ErrEngineUnavailable, CodeEngineUnavailable},
		{"cancelled", context.Canceled, CodeCancelled},
		{"unknown", errors.New("boom"), CodeSynthesisFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	require.Empty(t, ErrorMessage(nil))
	require.Equal(t, "invalid_voice_model: invalid voice model: vm_9", ErrorMessage(fmt.Errorf("%w: vm_9", ErrInvalidVoiceModel)))
	require.Equal(t, "synthesis_failed: boom", ErrorMessage(errors.New("boom")))
}

func TestErrorForCode(t *testing.T) {
	err := errorForCode(CodeEngineUnavailable, "gpu busy")
	require.ErrorIs(t, err, ErrEngineUnavailable)
	require.Contains(t, err.Error(), "gpu busy")

	require.ErrorIs(t, errorForCode(CodeSynthesisTimeout, ""), ErrSynthesisTimeout)

	err = errorForCode("unsupported_language", "klingon")
	require.Equal(t, CodeSynthesisFailed, Code(err))
	require.EqualError(t, err, "klingon")
}

func simRequest(voice string) Request {
	cfg := models.DefaultConfig()
	cfg.IncludeTimestamps = true
	return Request{JobID: "job-1", Text: "hello there general kenobi", VoiceModelID: voice, Config: cfg}
}

func TestSimulator(t *testing.T) {
	t.Run("reports progress and returns audio", func(t *testing.T) {
		sim := NewSimulator(SimulatorConfig{Steps: 4})

		var progress []float64
		res, err := sim.Synthesize(context.Background(), simRequest("vm_1"), func(p float64) {
			progress = append(progress, p)
		})
		require.NoError(t, err)
		require.Equal(t, []float64{25, 50, 75}, progress)
		require.Equal(t, "RIFF", string(res.Audio[:4]))
		require.InDelta(t, 1.6, res.DurationSeconds, 0.0001)
		require.Len(t, res.Timestamps, 4)
		require.Equal(t, "kenobi", res.Timestamps[3].Text)
	})

	t.Run("rejects invalid voice", func(t *testing.T) {
		_, err := NewSimulator(SimulatorConfig{}).Synthesize(context.Background(), simRequest("invalid-voice"), nil)
		require.ErrorIs(t, err, ErrInvalidVoiceModel)
	})

	t.Run("reports unavailable engine", func(t *testing.T) {
		_, err := NewSimulator(SimulatorConfig{}).Synthesize(context.Background(), simRequest("unavailable-1"), nil)
		require.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("stops when cancelled", func(t *testing.T) {
		sim := NewSimulator(SimulatorConfig{Steps: 100, StepDelay: 50 * time.Millisecond})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		start := time.Now()
		_, err := sim.Synthesize(ctx, simRequest("vm_1"), nil)
		require.ErrorIs(t, err, ErrCancelled)
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("times out with the context deadline", func(t *testing.T) {
		sim := NewSimulator(SimulatorConfig{Steps: 100, StepDelay: 50 * time.Millisecond})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := sim.Synthesize(ctx, simRequest("vm_1"), nil)
		require.ErrorIs(t, err, ErrSynthesisTimeout)
		require.Equal(t, CodeSynthesisTimeout, Code(err))
	})
}
