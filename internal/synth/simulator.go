package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

// Voice model id prefixes the simulator treats as failures.
const (
	SimulatedInvalidVoicePrefix     = "invalid"
	SimulatedUnavailableVoicePrefix = "unavailable"
)

const wordsPerSecond = 2.5

// SimulatorConfig tunes the simulated engine.
type SimulatorConfig struct {
	Steps     int
	StepDelay time.Duration
}

// Simulator is an in-process engine producing silent audio. It reports progress in even
// steps, honours cancellation between steps and is used for local runs and tests.
type Simulator struct {
	steps     int
	stepDelay time.Duration
}

var _ Synthesizer = (*Simulator)(nil)

// NewSimulator creates a simulated engine.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	steps := cfg.Steps
	if steps <= 0 {
		steps = 10
	}
	return &Simulator{steps: steps, stepDelay: cfg.StepDelay}
}

// Synthesize renders req as silence whose length follows the word count and speed.
func (s *Simulator) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	switch {
	case strings.HasPrefix(req.VoiceModelID, SimulatedInvalidVoicePrefix):
		return nil, fmt.Errorf("%w: %s", ErrInvalidVoiceModel, req.VoiceModelID)
	case strings.HasPrefix(req.VoiceModelID, SimulatedUnavailableVoicePrefix):
		return nil, fmt.Errorf("%w: voice %s is offline", ErrEngineUnavailable, req.VoiceModelID)
	}

	timer := time.NewTimer(s.stepDelay)
	defer timer.Stop()

	for step := 1; step <= s.steps; step++ {
		if step > 1 {
			timer.Reset(s.stepDelay)
		}
		select {
		case <-ctx.Done():
			return nil, transportError(ctx, context.Cause(ctx))
		case <-timer.C:
		}
		if onProgress != nil && step < s.steps {
			onProgress(float64(step) * 100 / float64(s.steps))
		}
	}

	words := strings.Fields(req.Text)
	speed := req.Config.Speed
	if speed <= 0 {
		speed = 1
	}
	duration := float64(len(words)) / wordsPerSecond / speed

	var timestamps []models.Timestamp
	if req.Config.IncludeTimestamps {
		per := duration / float64(max(len(words), 1))
		for i, w := range words {
			timestamps = append(timestamps, models.Timestamp{Text: w, Start: float64(i) * per, End: float64(i+1) * per})
		}
	}

	log.Debug().Str("job_id", req.JobID).Float64("duration", duration).Msg("Simulated synthesis finished")

	return &Result{
		Audio:           silentWAV(req.Config.SampleRate, duration),
		ContentType:     "audio/wav",
		DurationSeconds: duration,
		Timestamps:      timestamps,
	}, nil
}

// silentWAV builds a mono 16-bit PCM WAV file of the given length.
func silentWAV(sampleRate int, seconds float64) []byte {
	if sampleRate <= 0 {
		sampleRate = models.DefaultSampleRate
	}
	dataLen := uint32(float64(sampleRate)*seconds) * 2

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(1), uint32(sampleRate), uint32(sampleRate * 2), uint16(2), uint16(16)} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
