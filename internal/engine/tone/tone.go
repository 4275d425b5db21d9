// Package tone is a self-contained stand-in backend for development and
// tests. It renders every request as a deterministic sine tone whose pitch
// follows the text, so the whole pipeline can run end to end with no model
// server installed and still produce audibly distinct chunks.
package tone

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/wav"
)

const (
	// DefaultSampleRate keeps the output compatible with piper-rate audio.
	DefaultSampleRate = 22050

	channels      = 1
	bitsPerSample = 16

	// Tone length tracks text length so chunk durations resemble speech.
	msPerRune = 55

	// rampMs fades each tone in and out so stitched chunks do not click.
	rampMs = 5

	amplitude = 0.3 * math.MaxInt16

	// pitchBand spreads text hashes over an audible range above basePitch.
	basePitch = 180.0
	pitchBand = 220.0

	logSynthesized = "Tone engine rendered %d samples at %.0f Hz"
)

// ErrEmptyText means there is nothing to render.
var ErrEmptyText = errors.New("text cannot be empty")

// voiceOffsets shifts the pitch band per named voice, giving the dev engine a
// real voice listing to exercise capability fetch.
var voiceOffsets = map[string]float64{
	"low":  -60,
	"mid":  0,
	"high": 120,
}

// Config tunes the rendered audio. Zero values take defaults.
type Config struct {
	SampleRate int
}

// Engine renders deterministic sine tones as WAV payloads.
type Engine struct {
	sampleRate int
	log        *logger.Logger
}

// New creates a tone engine.
func New(cfg Config, log *logger.Logger) *Engine {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	return &Engine{sampleRate: sampleRate, log: log}
}

// Probe always succeeds; there is no external process to wait for.
func (e *Engine) Probe(_ context.Context) error {
	return nil
}

// Synthesize renders text as a sine tone. Pitch is a stable function of the
// text and the voice, duration tracks rune count, and speed shortens or
// stretches the tone the way it would speech.
func (e *Engine) Synthesize(
	ctx context.Context,
	text string,
	params core.SynthesisParams,
) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tone synthesis: %w", err)
	}

	duration := time.Duration(len([]rune(text))*msPerRune) * time.Millisecond
	if params.Speed > 0 {
		duration = time.Duration(float64(duration) / params.Speed)
	}

	frequency := e.pitchFor(text, params.Voice)
	pcm := e.render(duration, frequency)

	e.log.Info(logSynthesized, len(pcm)/2, frequency)

	return wav.Encode(pcm, e.sampleRate, channels, bitsPerSample), nil
}

// pitchFor maps text and voice onto a stable frequency inside the band.
func (e *Engine) pitchFor(text, voice string) float64 {
	digest := fnv.New32a()
	_, _ = digest.Write([]byte(text))

	frequency := basePitch + float64(digest.Sum32())*pitchBand/float64(math.MaxUint32)

	return frequency + voiceOffsets[voice]
}

// render produces 16-bit little-endian mono PCM with a short fade at both
// ends.
func (e *Engine) render(duration time.Duration, frequency float64) []byte {
	samples := int(float64(e.sampleRate) * duration.Seconds())
	if samples < 1 {
		samples = 1
	}

	rampSamples := e.sampleRate * rampMs / 1000
	step := 2 * math.Pi * frequency / float64(e.sampleRate)

	pcm := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		value := math.Sin(step*float64(i)) * amplitude * envelope(i, samples, rampSamples)
		sample := int16(value)

		pcm[2*i] = byte(uint16(sample))
		pcm[2*i+1] = byte(uint16(sample) >> 8)
	}

	return pcm
}

// envelope is a linear attack/release ramp.
func envelope(i, samples, rampSamples int) float64 {
	if rampSamples <= 0 {
		return 1
	}

	edge := i
	if samples-1-i < edge {
		edge = samples - 1 - i
	}

	if edge >= rampSamples {
		return 1
	}

	return float64(edge) / float64(rampSamples)
}

// Voices lists the built-in pitch bands.
func (e *Engine) Voices(_ context.Context) ([]core.Voice, error) {
	return []core.Voice{
		{ID: "low", Name: "Low tone", Language: "und"},
		{ID: "mid", Name: "Mid tone", Language: "und"},
		{ID: "high", Name: "High tone", Language: "und"},
	}, nil
}

// Close releases nothing.
func (e *Engine) Close() error {
	return nil
}
