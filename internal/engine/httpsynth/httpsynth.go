// Package httpsynth adapts a standalone HTTP speech service to the engine
// interface. The service contract is JSON in, WAV out, with a lightweight
// health endpoint and an optional voice listing.
package httpsynth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/generate/speech"
	apiHealth     = "/health"
	apiVoices     = "/v1/voices"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Default values.
const (
	defaultTemperature = 0.75
	defaultLanguage    = "en"
	defaultTimeout     = 5 * time.Minute
)

// Log formats.
const (
	logHealthy = "Speech service healthy at %s"
)

// Static errors.
var (
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrEmptyAudio      = errors.New("received empty audio data")
	ErrUnhealthy       = errors.New("speech service reported unhealthy status")
	ErrUnexpectedAudio = errors.New("unexpected content type for audio response")
	ErrServiceError    = errors.New("speech service error")
)

// Config locates the speech service. Timeout is the transport-level ceiling;
// per-call contexts stay in charge of request deadlines.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Engine is a core.Engine backed by the HTTP speech service.
type Engine struct {
	client  *http.Client
	baseURL string
	log     *logger.Logger
}

// synthesisRequest is the JSON payload for speech generation.
type synthesisRequest struct {
	Text              string  `json:"text"`
	Voice             string  `json:"voice,omitempty"`
	Language          string  `json:"language"`
	Speed             float64 `json:"speed,omitempty"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	Seed              int     `json:"seed,omitempty"`
}

// errorResponse is the structured error body the service sends on failure.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// voiceInfo is one entry of the service's voice listing.
type voiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender,omitempty"`
}

// New creates an engine for the service at cfg.BaseURL.
func New(cfg Config, log *logger.Logger) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Engine{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		log:     log,
	}
}

// Probe checks the service health endpoint.
func (e *Engine) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check at %s: %w", e.baseURL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.Status)
	}

	e.log.Info(logHealthy, e.baseURL)

	return nil
}

// Synthesize posts one chunk of text and returns the WAV payload.
func (e *Engine) Synthesize(ctx context.Context, text string, params core.SynthesisParams) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	payload := synthesisRequest{
		Text:              text,
		Voice:             params.Voice,
		Language:          params.Language,
		Speed:             params.Speed,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		RepetitionPenalty: params.RepetitionPenalty,
		Seed:              params.Seed,
	}
	if payload.Language == "" {
		payload.Language = defaultLanguage
	}

	if payload.Temperature == 0 {
		payload.Temperature = defaultTemperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		e.baseURL+apiSynthesize,
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, contentTypeWAV)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send synthesis request to %s: %w", e.baseURL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, e.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedAudio, contentType)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio data: %w", err)
	}

	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	return audio, nil
}

// Voices fetches the service's voice listing. Services without the endpoint
// answer 404, which surfaces as core.ErrVoicesUnsupported so the caller can
// use its static catalog.
func (e *Engine) Voices(ctx context.Context) ([]core.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+apiVoices, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create voices request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list voices at %s: %w", e.baseURL, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil, core.ErrVoicesUnsupported
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.parseErrorResponse(resp)
	}

	var listing []voiceInfo

	err = json.NewDecoder(resp.Body).Decode(&listing)
	if err != nil {
		return nil, fmt.Errorf("decode voice listing: %w", err)
	}

	voices := make([]core.Voice, 0, len(listing))
	for _, entry := range listing {
		voices = append(voices, core.Voice{
			ID:       entry.ID,
			Name:     entry.Name,
			Language: entry.Language,
			Gender:   entry.Gender,
		})
	}

	return voices, nil
}

// Close releases idle connections.
func (e *Engine) Close() error {
	e.client.CloseIdleConnections()

	return nil
}

// parseErrorResponse decodes the structured JSON error if there is one and
// falls back to the raw body, so diagnostics survive either way.
func (e *Engine) parseErrorResponse(resp *http.Response) error {
	var serviceErr errorResponse

	err := json.NewDecoder(resp.Body).Decode(&serviceErr)
	if err == nil && serviceErr.Detail != "" {
		return fmt.Errorf("%w (%s): %s (code: %s)",
			ErrServiceError, resp.Status, serviceErr.Detail, serviceErr.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf("%w: status %s, body: %s", ErrServiceError, resp.Status, string(body))
}
