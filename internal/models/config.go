package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// Output formats accepted by the synthesis engine.
const (
	FormatWAV  = "wav"
	FormatMP3  = "mp3"
	FormatOGG  = "ogg"
	FormatFLAC = "flac"
)

// Timestamp granularities.
const (
	GranularityWord     = "word"
	GranularitySyllable = "syllable"
	GranularityPhoneme  = "phoneme"
)

// Limits applied to requests before a job is created.
const (
	MinSpeed  = 0.5
	MaxSpeed  = 2.0
	MinPitch  = 0.5
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 2.0

	MaxTextRunes        = 10000
	MaxVoiceModelIDLen  = 128
	MaxTextLanguageLen  = 16
	DefaultSampleRate   = 22050
	DefaultOutputFormat = FormatWAV
)

var (
	outputFormats = []string{FormatWAV, FormatMP3, FormatOGG, FormatFLAC}
	sampleRates   = []int{8000, 16000, 22050, 24000, 44100, 48000}
	granularities = []string{GranularityWord, GranularitySyllable, GranularityPhoneme}
)

// ValidationError reports a malformed request field. Requests failing validation never
// reach the job store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SynthesisConfig holds the recognised synthesis options for a job.
type SynthesisConfig struct {
	Speed                float64 `json:"speed"`
	Pitch                float64 `json:"pitch"`
	Volume               float64 `json:"volume"`
	OutputFormat         string  `json:"output_format"`
	SampleRate           int     `json:"sample_rate"`
	IncludeTimestamps    bool    `json:"include_timestamps"`
	TimestampGranularity string  `json:"timestamp_granularity"`
}

// DefaultConfig returns the configuration used when a request omits a field.
func DefaultConfig() SynthesisConfig {
	return SynthesisConfig{
		Speed:                1.0,
		Pitch:                1.0,
		Volume:               1.0,
		OutputFormat:         DefaultOutputFormat,
		SampleRate:           DefaultSampleRate,
		IncludeTimestamps:    false,
		TimestampGranularity: GranularityWord,
	}
}

// Validate checks every field against its legal range or enumeration.
func (c SynthesisConfig) Validate() error {
	if c.Speed < MinSpeed || c.Speed > MaxSpeed {
		return invalid("speed", "must be between %.1f and %.1f, got %g", MinSpeed, MaxSpeed, c.Speed)
	}
	if c.Pitch < MinPitch || c.Pitch > MaxPitch {
		return invalid("pitch", "must be between %.1f and %.1f, got %g", MinPitch, MaxPitch, c.Pitch)
	}
	if c.Volume < MinVolume || c.Volume > MaxVolume {
		return invalid("volume", "must be between %.1f and %.1f, got %g", MinVolume, MaxVolume, c.Volume)
	}
	if !slices.Contains(outputFormats, c.OutputFormat) {
		return invalid("output_format", "must be one of %s, got %q", strings.Join(outputFormats, ", "), c.OutputFormat)
	}
	if !slices.Contains(sampleRates, c.SampleRate) {
		return invalid("sample_rate", "unsupported sample rate %d", c.SampleRate)
	}
	if !slices.Contains(granularities, c.TimestampGranularity) {
		return invalid("timestamp_granularity", "must be one of %s, got %q", strings.Join(granularities, ", "), c.TimestampGranularity)
	}
	return nil
}

// ConfigPatch carries optional overrides for a SynthesisConfig. A nil field leaves the
// base value untouched.
type ConfigPatch struct {
	Speed                *float64 `json:"speed,omitempty"`
	Pitch                *float64 `json:"pitch,omitempty"`
	Volume               *float64 `json:"volume,omitempty"`
	OutputFormat         *string  `json:"output_format,omitempty"`
	SampleRate           *int     `json:"sample_rate,omitempty"`
	IncludeTimestamps    *bool    `json:"include_timestamps,omitempty"`
	TimestampGranularity *string  `json:"timestamp_granularity,omitempty"`
}

// Apply returns base with the non-nil overrides applied.
func (p ConfigPatch) Apply(base SynthesisConfig) SynthesisConfig {
	if p.Speed != nil {
		base.Speed = *p.Speed
	}
	if p.Pitch != nil {
		base.Pitch = *p.Pitch
	}
	if p.Volume != nil {
		base.Volume = *p.Volume
	}
	if p.OutputFormat != nil {
		base.OutputFormat = strings.ToLower(strings.TrimSpace(*p.OutputFormat))
	}
	if p.SampleRate != nil {
		base.SampleRate = *p.SampleRate
	}
	if p.IncludeTimestamps != nil {
		base.IncludeTimestamps = *p.IncludeTimestamps
	}
	if p.TimestampGranularity != nil {
		base.TimestampGranularity = strings.ToLower(strings.TrimSpace(*p.TimestampGranularity))
	}
	return base
}

// decodeConfigBlob strictly decodes the free-form "config" object; unknown keys are rejected.
func decodeConfigBlob(raw json.RawMessage) (ConfigPatch, error) {
	var patch ConfigPatch
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return patch, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return patch, invalid("config", "%v", err)
	}
	return patch, nil
}

// SynthesisParams are the config-affecting fields shared by create, update and patch bodies.
// Top-level fields take precedence over the same field inside Config.
type SynthesisParams struct {
	OutputFormat *string         `json:"output_format,omitempty"`
	SampleRate   *int            `json:"sample_rate,omitempty"`
	Speed        *float64        `json:"speed,omitempty"`
	Pitch        *float64        `json:"pitch,omitempty"`
	Volume       *float64        `json:"volume,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// HasConfig reports whether any config-affecting field was supplied.
func (p SynthesisParams) HasConfig() bool {
	return p.OutputFormat != nil || p.SampleRate != nil || p.Speed != nil ||
		p.Pitch != nil || p.Volume != nil || len(bytes.TrimSpace(p.Config)) > 0
}

// ResolveConfig layers the config blob and then the top-level fields over base and
// validates the result.
func (p SynthesisParams) ResolveConfig(base SynthesisConfig) (SynthesisConfig, error) {
	blob, err := decodeConfigBlob(p.Config)
	if err != nil {
		return SynthesisConfig{}, err
	}

	cfg := blob.Apply(base)
	cfg = ConfigPatch{
		Speed:        p.Speed,
		Pitch:        p.Pitch,
		Volume:       p.Volume,
		OutputFormat: p.OutputFormat,
		SampleRate:   p.SampleRate,
	}.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return SynthesisConfig{}, err
	}
	return cfg, nil
}

// CreateJobRequest is the body of POST /job. PUT /job/{id} uses the same shape.
type CreateJobRequest struct {
	TextContent  string `json:"text_content"`
	VoiceModelID string `json:"voice_model_id"`
	TextLanguage string `json:"text_language,omitempty"`
	SynthesisParams
}

// ValidateText checks a text_content value.
func ValidateText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return invalid("text_content", "must not be empty")
	}
	if !utf8.ValidString(text) {
		return invalid("text_content", "must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxTextRunes {
		return invalid("text_content", "must be at most %d characters, got %d", MaxTextRunes, n)
	}
	return nil
}

// ValidateVoiceModelID checks a voice_model_id value.
func ValidateVoiceModelID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid("voice_model_id", "must not be empty")
	}
	if len(id) > MaxVoiceModelIDLen {
		return invalid("voice_model_id", "must be at most %d bytes", MaxVoiceModelIDLen)
	}
	return nil
}

// ValidateTextLanguage checks an optional text_language tag.
func ValidateTextLanguage(lang string) error {
	if len(lang) > MaxTextLanguageLen {
		return invalid("text_language", "must be at most %d bytes", MaxTextLanguageLen)
	}
	for _, r := range lang {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return invalid("text_language", "contains invalid character %q", r)
		}
	}
	return nil
}

// Validate checks the request and returns the resolved synthesis config.
func (r *CreateJobRequest) Validate() (SynthesisConfig, error) {
	if err := ValidateText(r.TextContent); err != nil {
		return SynthesisConfig{}, err
	}
	if err := ValidateVoiceModelID(r.VoiceModelID); err != nil {
		return SynthesisConfig{}, err
	}
	if err := ValidateTextLanguage(r.TextLanguage); err != nil {
		return SynthesisConfig{}, err
	}
	return r.ResolveConfig(DefaultConfig())
}

// PatchJobRequest is the body of PATCH /job/{id}. Edits (text/config) are only accepted
// while the job is pending; the only status a client may set is cancelled.
type PatchJobRequest struct {
	TextContent  *string `json:"text_content,omitempty"`
	TextLanguage *string `json:"text_language,omitempty"`
	SynthesisParams

	Status *Status `json:"status,omitempty"`

	// Result fields are written by the dispatcher. They are decoded only so a patch naming
	// one is rejected instead of silently ignored.
	Progress        json.RawMessage `json:"progress,omitempty"`
	ErrorMessage    json.RawMessage `json:"error_message,omitempty"`
	OutputFilePath  json.RawMessage `json:"output_file_path,omitempty"`
	DurationSeconds json.RawMessage `json:"duration_seconds,omitempty"`
	Timestamps      json.RawMessage `json:"timestamps,omitempty"`
}

// ResultField returns the name of the first dispatcher-owned field present in the patch.
func (r *PatchJobRequest) ResultField() string {
	switch {
	case r.Progress != nil:
		return "progress"
	case r.ErrorMessage != nil:
		return "error_message"
	case r.OutputFilePath != nil:
		return "output_file_path"
	case r.DurationSeconds != nil:
		return "duration_seconds"
	case r.Timestamps != nil:
		return "timestamps"
	}
	return ""
}

// HasEdits reports whether the patch modifies text or config.
func (r *PatchJobRequest) HasEdits() bool {
	return r.TextContent != nil || r.TextLanguage != nil || r.HasConfig()
}

// ValidateEdits checks the edit fields against the job's current values and returns the
// resulting text, language and config.
func (r *PatchJobRequest) ValidateEdits(job *Job) (string, string, SynthesisConfig, error) {
	text, lang := job.TextContent, job.TextLanguage
	if r.TextContent != nil {
		text = *r.TextContent
		if err := ValidateText(text); err != nil {
			return "", "", SynthesisConfig{}, err
		}
	}
	if r.TextLanguage != nil {
		lang = *r.TextLanguage
		if err := ValidateTextLanguage(lang); err != nil {
			return "", "", SynthesisConfig{}, err
		}
	}

	cfg, err := r.ResolveConfig(job.Config)
	if err != nil {
		return "", "", SynthesisConfig{}, err
	}
	return text, lang, cfg, nil
}
