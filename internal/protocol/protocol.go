// Package protocol defines the NATS subjects and JSON event payloads the
// narrator service speaks. Producers publish a SpeechRequestedEvent; the
// worker answers with a SpeechGeneratedEvent or a SpeechFailedEvent.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/narrator-service/internal/core"
)

// Default subjects. Deployments may override them in configuration; the
// names follow the subject.verb convention of the surrounding system.
const (
	DefaultRequestedSubject = "narrator.speech.requested"
	DefaultGeneratedSubject = "narrator.speech.generated"
	DefaultFailedSubject    = "narrator.speech.failed"
)

var (
	// ErrNoText means a request carries neither inline text nor a text
	// object key.
	ErrNoText = errors.New("event carries neither text nor text_key")
	// ErrAmbiguousText means a request carries both inline text and a
	// text object key, so the source of truth is unclear.
	ErrAmbiguousText = errors.New("event carries both text and text_key")
)

// SpeechRequestedEvent asks for one narration. Exactly one of Text and
// TextKey must be set; TextKey names an object in the text bucket. OutputKey
// is optional; when empty the worker names the audio object itself.
type SpeechRequestedEvent struct {
	RequestID string  `json:"request_id,omitempty"`
	TextKey   string  `json:"text_key,omitempty"`
	Text      string  `json:"text,omitempty"`
	ModelKey  string  `json:"model_key,omitempty"`
	Voice     string  `json:"voice,omitempty"`
	Language  string  `json:"language,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	OutputKey string  `json:"output_key,omitempty"`
}

// Validate checks the request shape before any work is scheduled.
func (e SpeechRequestedEvent) Validate() error {
	hasText := strings.TrimSpace(e.Text) != ""
	hasKey := strings.TrimSpace(e.TextKey) != ""

	if !hasText && !hasKey {
		return ErrNoText
	}

	if hasText && hasKey {
		return ErrAmbiguousText
	}

	params := core.SynthesisParams{Speed: e.Speed}

	err := params.Validate()
	if err != nil {
		return fmt.Errorf("requested speed: %w", err)
	}

	return nil
}

// SpeechGeneratedEvent reports one finished narration. AudioKey names the
// WAV object in the audio bucket.
type SpeechGeneratedEvent struct {
	RequestID        string `json:"request_id"`
	AudioKey         string `json:"audio_key"`
	ModelKey         string `json:"model_key"`
	Voice            string `json:"voice,omitempty"`
	Language         string `json:"language,omitempty"`
	Chunks           int    `json:"chunks"`
	AudioBytes       int    `json:"audio_bytes"`
	GenerationTimeMs int64  `json:"generation_time_ms"`
}

// SpeechFailedEvent reports one narration that produced no audio. Stage
// names the pipeline phase that broke, when known.
type SpeechFailedEvent struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage,omitempty"`
	Reason    string `json:"reason"`
}

// FailureFor builds the failed event for err, extracting the pipeline stage
// when err carries one.
func FailureFor(requestID string, err error) SpeechFailedEvent {
	event := SpeechFailedEvent{
		RequestID: requestID,
		Reason:    err.Error(),
	}

	var stageErr *core.StageError
	if errors.As(err, &stageErr) {
		event.Stage = string(stageErr.Stage)
	}

	return event
}
