package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the service. Callers match them with
// errors.Is after any number of fmt.Errorf %w wraps.
var (
	// ErrInvalidRequest marks a generation request that fails validation.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrInvalidParams marks synthesis parameters outside their ranges.
	ErrInvalidParams = errors.New("invalid synthesis parameters")
	// ErrBackendUnavailable means the engine did not come up within the
	// probe budget.
	ErrBackendUnavailable = errors.New("speech backend unavailable")
	// ErrVoicesUnsupported is returned by engines that have no voice
	// listing query; the prober falls back to its static catalog.
	ErrVoicesUnsupported = errors.New("voice listing not supported")
	// ErrModelNotLoaded means a model key was never registered.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrNoDefaultModel means resolution with an empty key found no
	// default model.
	ErrNoDefaultModel = errors.New("no default model configured")
	// ErrNoAudioGenerated means an engine returned success with an empty
	// payload.
	ErrNoAudioGenerated = errors.New("no audio data generated")
	// ErrStitchFailed marks a failure while joining chunk WAVs.
	ErrStitchFailed = errors.New("audio stitch failed")
	// ErrNoChunks means the chunker produced nothing for a non-empty text.
	ErrNoChunks = errors.New("no text chunks produced")
)

// ChunkError ties a synthesis failure to the chunk it happened on. The
// scheduler records only the first one; everything after the abort is
// discarded.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Stage names the pipeline phase a failure belongs to.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageChunk    Stage = "chunk"
	StageGenerate Stage = "generate"
	StageStitch   Stage = "stitch"
	StageClean    Stage = "clean"
)

// StageError wraps a pipeline failure with the stage it happened in, so
// callers can report which phase of a narration job broke.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
