// Package fingerprint computes the deduplication key for synthesis jobs.
//
// Two jobs with the same fingerprint render identical audio, so a completed job can satisfy
// any later job sharing its fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/text/unicode/norm"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

// Version is bumped whenever the digest input layout changes, which invalidates every
// previously recorded fingerprint.
const Version = "v1"

// Normalize returns text in NFC form with surrounding whitespace trimmed and internal runs
// of whitespace collapsed to a single space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Input is the audio-affecting subset of a job.
type Input struct {
	Text         string
	VoiceModelID string
	TextLanguage string
	Config       models.SynthesisConfig
}

// FromJob extracts the fingerprint input from a job.
func FromJob(job *models.Job) Input {
	return Input{
		Text:         job.TextContent,
		VoiceModelID: job.VoiceModelID,
		TextLanguage: job.TextLanguage,
		Config:       job.Config,
	}
}

// Compute returns the base58 encoded SHA-256 digest of the input.
func Compute(in Input) string {
	cfg := in.Config

	fields := []string{
		Version,
		Normalize(in.Text),
		strings.TrimSpace(in.VoiceModelID),
		strings.ToLower(strings.TrimSpace(in.TextLanguage)),
		formatFloat(cfg.Speed),
		formatFloat(cfg.Pitch),
		formatFloat(cfg.Volume),
		cfg.OutputFormat,
		strconv.Itoa(cfg.SampleRate),
		strconv.FormatBool(cfg.IncludeTimestamps),
	}

	// granularity only changes the output when timestamps are produced
	if cfg.IncludeTimestamps {
		fields = append(fields, cfg.TimestampGranularity)
	}

	h := sha256.New()
	for _, f := range fields {
		// length prefix keeps field boundaries unambiguous
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}

	return base58.Encode(h.Sum(nil))
}

// ForJob computes the fingerprint of a job's current text, voice model and config.
func ForJob(job *models.Job) string {
	return Compute(FromJob(job))
}

// formatFloat renders the shortest representation that round-trips, so distinct
// configs never share a digest.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
