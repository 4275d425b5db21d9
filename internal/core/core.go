// Package core defines the domain contracts shared by every part of the
// narrator service: the speech engine abstraction, the generation request and
// result types, and the error taxonomy used across packages.
package core

import (
	"context"
	"fmt"
	"strings"
)

const (
	minSpeed = 0.5
	maxSpeed = 2.0
)

// Voice describes one voice an engine can synthesize with.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender,omitempty"`
}

// SynthesisParams carries the per-request generation knobs. The zero value is
// valid: engines substitute their own defaults for unset fields.
type SynthesisParams struct {
	Voice             string  `json:"voice,omitempty"              yaml:"voice,omitempty"`
	Language          string  `json:"language,omitempty"           yaml:"language,omitempty"`
	Speed             float64 `json:"speed,omitempty"              yaml:"speed,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"        yaml:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"              yaml:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	Seed              int     `json:"seed,omitempty"               yaml:"seed,omitempty"`
}

// Validate checks the parameter ranges. Zero values pass: they mean "engine
// default", not "zero".
func (p SynthesisParams) Validate() error {
	if p.Speed != 0 && (p.Speed < minSpeed || p.Speed > maxSpeed) {
		return fmt.Errorf("%w: speed %.2f outside [%.1f, %.1f]",
			ErrInvalidParams, p.Speed, minSpeed, maxSpeed)
	}

	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %.2f is negative", ErrInvalidParams, p.Temperature)
	}

	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %.2f outside [0, 1]", ErrInvalidParams, p.TopP)
	}

	if p.RepetitionPenalty != 0 && p.RepetitionPenalty < 1 {
		return fmt.Errorf("%w: repetition_penalty %.2f below 1", ErrInvalidParams, p.RepetitionPenalty)
	}

	return nil
}

// TextChunk is one synthesis unit produced by the chunker. Index is the
// chunk's position in the source text, starting at zero.
type TextChunk struct {
	Index int
	Text  string
}

// GenerationRequest is a full narration job: one text, one model, one set of
// synthesis parameters. RequestID correlates the job across transport,
// ledger, and logs; when empty, the pipeline assigns one.
type GenerationRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Text      string          `json:"text"`
	ModelKey  string          `json:"model_key,omitempty"`
	Params    SynthesisParams `json:"params"`
}

// Validate rejects requests the pipeline cannot act on.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}

	err := r.Params.Validate()
	if err != nil {
		return fmt.Errorf("validate params: %w", err)
	}

	return nil
}

// GenerationResult is the outcome of a completed narration job.
type GenerationResult struct {
	Audio            []byte
	ModelKey         string
	Voice            string
	Language         string
	ChunkCount       int
	GenerationTimeMs int64
}

// Engine is the adapter every speech backend implements. Probe reports
// whether the backend can serve requests right now; Synthesize turns one text
// chunk into a complete WAV file; Voices lists the voices the backend offers,
// or returns ErrVoicesUnsupported when the backend has no such query.
type Engine interface {
	Probe(ctx context.Context) error
	Synthesize(ctx context.Context, text string, params SynthesisParams) ([]byte, error)
	Voices(ctx context.Context) ([]Voice, error)
	Close() error
}

// ObjectStore is one bucket of blob storage for narration artifacts. Source
// texts and finished audio live in separate buckets, so a worker holds one
// ObjectStore per side. Metadata travels with the object; nil is fine.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, meta map[string]string) error
	Delete(ctx context.Context, key string) error
}
