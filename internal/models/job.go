package models

import (
	"time"
)

// Status represents the lifecycle state of a synthesis job.
type Status string

const (
	StatusPending    Status = "pending"    // Created, waiting for the dispatcher
	StatusProcessing Status = "processing" // Claimed by a dispatcher worker
	StatusCompleted  Status = "completed"  // Audio produced (or reused from cache)
	StatusFailed     Status = "failed"     // Synthesis engine reported a failure
	StatusCancelled  Status = "cancelled"  // Cancelled by request
)

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	default:
		return "", false
	}
}

// IsTerminal returns true if no further transition can occur from this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Timestamp aligns a unit of the input text with a span of the rendered audio.
type Timestamp struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// Job is a single text-to-speech synthesis request tracked through its lifecycle.
type Job struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	VoiceModelID string          `json:"voice_model_id"`
	TextContent  string          `json:"text_content,omitempty"`
	TextLanguage string          `json:"text_language,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	Config       SynthesisConfig `json:"config"`

	Status       Status  `json:"status"`
	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// Result, only present once completed
	OutputRef       string      `json:"output_file_path,omitempty"`
	DurationSeconds *float64    `json:"duration_seconds,omitempty"`
	Timestamps      []Timestamp `json:"timestamps,omitempty"`
	CacheHit        bool        `json:"cache_hit"`

	// CancelRequested is the cooperative cancel flag observed by the dispatcher.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	clone := *j
	if j.DurationSeconds != nil {
		d := *j.DurationSeconds
		clone.DurationSeconds = &d
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if j.Timestamps != nil {
		clone.Timestamps = append([]Timestamp(nil), j.Timestamps...)
	}

	return &clone
}
