package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/ttsrunner/internal/models"
)

const (
	apiVoices     = "/v1/voices/"
	apiSynthesize = "/v1/synthesize"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"

	// frames carry base64 audio, so allow large lines
	maxFrameBytes = 64 << 20
)

// HTTPEngineConfig configures the remote engine client.
type HTTPEngineConfig struct {
	// BaseURL of the engine, e.g. http://localhost:8000
	BaseURL string
	// LookupTimeout bounds the voice model lookup request.
	LookupTimeout time.Duration
	// VoiceCacheDir persists voice lookups on disk; empty keeps them in memory.
	VoiceCacheDir string
	// Transport overrides the underlying round tripper, mostly for tests.
	Transport http.RoundTripper
}

// HTTPEngine talks to a synthesis engine over HTTP. The voice model is checked first, then
// the synthesis call streams newline delimited JSON frames carrying progress, the result or
// an error.
type HTTPEngine struct {
	baseURL       string
	voices        *http.Client
	synth         *http.Client
	lookupTimeout time.Duration
}

var _ Synthesizer = (*HTTPEngine)(nil)

// NewHTTPEngine creates an engine client.
func NewHTTPEngine(cfg HTTPEngineConfig) (*HTTPEngine, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", cfg.BaseURL)
	}

	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = 10 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		voices:  NewCachingHTTPClient(cfg.VoiceCacheDir, transport),
		// no client timeout: synthesis is bounded by the job context
		synth:         &http.Client{Transport: transport},
		lookupTimeout: lookupTimeout,
	}, nil
}

type synthesizeRequest struct {
	JobID                string  `json:"job_id"`
	Text                 string  `json:"text"`
	VoiceModelID         string  `json:"voice_model_id"`
	Language             string  `json:"language,omitempty"`
	Speed                float64 `json:"speed"`
	Pitch                float64 `json:"pitch"`
	Volume               float64 `json:"volume"`
	OutputFormat         string  `json:"output_format"`
	SampleRate           int     `json:"sample_rate"`
	IncludeTimestamps    bool    `json:"include_timestamps"`
	TimestampGranularity string  `json:"timestamp_granularity,omitempty"`
}

// frame is one line of the synthesis stream.
type frame struct {
	Type            string             `json:"type"` // progress, result or error
	Progress        float64            `json:"progress,omitempty"`
	Audio           []byte             `json:"audio,omitempty"` // base64 in JSON
	AudioRef        string             `json:"audio_ref,omitempty"`
	ContentType     string             `json:"content_type,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Timestamps      []models.Timestamp `json:"timestamps,omitempty"`
	Code            string             `json:"code,omitempty"`
	Message         string             `json:"message,omitempty"`
}

// errorResponse is the body of a non-2xx response.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Synthesize checks the voice model and streams the synthesis.
func (e *HTTPEngine) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if err := e.checkVoice(ctx, req.VoiceModelID); err != nil {
		return nil, err
	}

	body, err := json.Marshal(synthesizeRequest{
		JobID:                req.JobID,
		Text:                 req.Text,
		VoiceModelID:         req.VoiceModelID,
		Language:             req.TextLanguage,
		Speed:                req.Config.Speed,
		Pitch:                req.Config.Pitch,
		Volume:               req.Config.Volume,
		OutputFormat:         req.Config.OutputFormat,
		SampleRate:           req.Config.SampleRate,
		IncludeTimestamps:    req.Config.IncludeTimestamps,
		TimestampGranularity: req.Config.TimestampGranularity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+apiSynthesize, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeNDJSON)

	resp, err := e.synth.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	return readStream(ctx, resp.Body, onProgress)
}

func (e *HTTPEngine) checkVoice(ctx context.Context, voiceModelID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+apiVoices+url.PathEscape(voiceModelID), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create voice lookup request: %w", err)
	}
	httpReq.Header.Set("Accept", contentTypeJSON)

	resp, err := e.voices.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body) // cache stores the body once fully read
		log.Debug().Str("voice_model_id", voiceModelID).Str("cache", resp.Header.Get("X-From-Cache")).Msg("Voice model found")
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrInvalidVoiceModel, voiceModelID)
	default:
		return parseErrorResponse(resp)
	}
}

// readStream consumes frames until a result or error frame arrives.
func readStream(ctx context.Context, body io.Reader, onProgress ProgressFunc) (*Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("malformed engine frame: %w", err)
		}

		switch f.Type {
		case "progress":
			if onProgress != nil {
				onProgress(f.Progress)
			}
		case "result":
			if len(f.Audio) == 0 && f.AudioRef == "" {
				return nil, errors.New("engine result carried no audio")
			}
			return &Result{
				Audio:           f.Audio,
				AudioRef:        f.AudioRef,
				ContentType:     f.ContentType,
				DurationSeconds: f.DurationSeconds,
				Timestamps:      f.Timestamps,
			}, nil
		case "error":
			return nil, errorForCode(f.Code, f.Message)
		default:
			log.Debug().Str("type", f.Type).Msg("Ignoring unknown engine frame")
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, transportError(ctx, err)
	}
	if ctx.Err() != nil {
		return nil, transportError(ctx, ctx.Err())
	}
	return nil, fmt.Errorf("%w: stream ended without a result", ErrEngineUnavailable)
}

// transportError classifies a failed request, preferring the context's reason.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrSynthesisTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
}

// parseErrorResponse decodes a structured error, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil || er.Code == "" {
		er = errorResponse{Message: strings.TrimSpace(string(raw))}
	}
	if er.Message == "" {
		er.Message = resp.Status
	}

	if er.Code != "" {
		return errorForCode(er.Code, er.Message)
	}

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrSynthesisTimeout, er.Message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrInvalidVoiceModel, er.Message)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, er.Message)
	default:
		return fmt.Errorf("engine rejected request (%s): %s", resp.Status, er.Message)
	}
}
