// Package synth defines the contract with the external speech synthesis engine and the
// engines implementing it.
package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

// Typed failures reported by an engine.
var (
	ErrSynthesisTimeout  = errors.New("synthesis timed out")
	ErrInvalidVoiceModel = errors.New("invalid voice model")
	ErrEngineUnavailable = errors.New("synthesis engine unavailable")
	ErrCancelled         = errors.New("synthesis cancelled")
)

// Stable prefixes used in a failed job's error_message.
const (
	CodeSynthesisTimeout  = "synthesis_timeout"
	CodeInvalidVoiceModel = "invalid_voice_model"
	CodeEngineUnavailable = "engine_unavailable"
	CodeCancelled         = "cancelled"
	CodeSynthesisFailed   = "synthesis_failed"
)

// Request is everything the engine needs to render one job.
type Request struct {
	JobID        string
	Text         string
	VoiceModelID string
	TextLanguage string
	Config       models.SynthesisConfig
}

// Result is a successful synthesis. Either Audio or AudioRef is set; when Audio is set the
// caller persists it and AudioRef is ignored.
type Result struct {
	Audio           []byte
	AudioRef        string
	ContentType     string
	DurationSeconds float64
	Timestamps      []models.Timestamp
}

// ProgressFunc receives progress percentages in [0, 100] while an engine works.
type ProgressFunc func(progress float64)

// Synthesizer renders text to audio.
//
// ctx is the cooperative cancel signal: when it is done the engine must stop and return
// promptly. Progress callbacks are made from the calling goroutine or one the engine owns,
// never after Synthesize returns.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
}

// Code returns the stable error code for an engine failure.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSynthesisTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeSynthesisTimeout
	case errors.Is(err, ErrInvalidVoiceModel):
		return CodeInvalidVoiceModel
	case errors.Is(err, ErrEngineUnavailable):
		return CodeEngineUnavailable
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeSynthesisFailed
	}
}

// ErrorMessage renders err as a job error_message: "<code>: <detail>".
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", Code(err), err.Error())
}

// errorForCode maps a code reported by a remote engine back onto a sentinel.
func errorForCode(code, message string) error {
	var sentinel error
	switch code {
	case CodeSynthesisTimeout:
		sentinel = ErrSynthesisTimeout
	case CodeInvalidVoiceModel:
		sentinel = ErrInvalidVoiceModel
	case CodeEngineUnavailable:
		sentinel = ErrEngineUnavailable
	case CodeCancelled:
		sentinel = ErrCancelled
	default:
		if message == "" {
			message = code
		}
		return errors.New(message)
	}

	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
