// Package piper runs the piper text-to-speech CLI as a subprocess. Piper
// writes raw signed 16-bit little-endian PCM to stdout, so the adapter wraps
// that stream in a WAVE header before handing it back.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/wav"
)

const (
	// DefaultBinary is the piper executable resolved from PATH when no
	// explicit path is configured.
	DefaultBinary = "piper"
	// DefaultSampleRate matches the rate piper voices are trained at.
	DefaultSampleRate = 22050
	// DefaultChannels is piper's mono output.
	DefaultChannels = 1

	flagModel       = "--model"
	flagOutputRaw   = "--output_raw"
	flagLengthScale = "--length_scale"

	pcmBitsPerSample = 16
	modelSuffix      = ".onnx"

	logModelReady = "Piper model %s ready via %s"
)

var (
	// ErrMissingModel means no voice model path was configured.
	ErrMissingModel = errors.New("piper model path is required")
	// ErrEmptyText means there is nothing to synthesize.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrEmptyAudio means piper exited cleanly without producing samples.
	ErrEmptyAudio = errors.New("piper produced no audio data")
)

// Config holds the subprocess parameters for one piper voice model.
type Config struct {
	// BinaryPath is the piper executable. A bare name is resolved from
	// PATH; defaults to "piper".
	BinaryPath string
	// ModelPath is the .onnx voice model file. Required.
	ModelPath string
	// Language is the language tag reported for the model's voice.
	Language string
	// SampleRate overrides the PCM sample rate of the model's output.
	SampleRate int
	// Channels overrides the PCM channel count of the model's output.
	Channels int
}

// Engine synthesizes speech by piping text through the piper CLI.
type Engine struct {
	binaryPath string
	modelPath  string
	language   string
	sampleRate int
	channels   int
	log        *logger.Logger
}

// New creates a piper engine for the given voice model. The binary and model
// files are not touched until Probe or Synthesize.
func New(cfg Config, log *logger.Logger) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, ErrMissingModel
	}

	binaryPath := cfg.BinaryPath
	if binaryPath == "" {
		binaryPath = DefaultBinary
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = DefaultChannels
	}

	return &Engine{
		binaryPath: binaryPath,
		modelPath:  cfg.ModelPath,
		language:   cfg.Language,
		sampleRate: sampleRate,
		channels:   channels,
		log:        log,
	}, nil
}

// Probe verifies the voice model file exists and the piper binary resolves.
func (e *Engine) Probe(_ context.Context) error {
	if _, err := os.Stat(e.modelPath); err != nil {
		return fmt.Errorf("%w: model %s: %v", core.ErrBackendUnavailable, e.modelPath, err)
	}

	if err := e.checkBinary(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err)
	}

	e.log.Info(logModelReady, filepath.Base(e.modelPath), e.binaryPath)

	return nil
}

// checkBinary resolves a bare binary name from PATH and stats an explicit
// path.
func (e *Engine) checkBinary() error {
	if strings.ContainsRune(e.binaryPath, os.PathSeparator) {
		if _, err := os.Stat(e.binaryPath); err != nil {
			return fmt.Errorf("binary %s: %w", e.binaryPath, err)
		}

		return nil
	}

	if _, err := exec.LookPath(e.binaryPath); err != nil {
		return fmt.Errorf("binary %s: %w", e.binaryPath, err)
	}

	return nil
}

// Synthesize runs piper with the text on stdin and wraps the raw PCM from
// stdout in a WAVE header. Speed is mapped onto piper's length scale, where a
// scale below one speaks faster.
func (e *Engine) Synthesize(
	ctx context.Context,
	text string,
	params core.SynthesisParams,
) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	args := []string{flagModel, e.modelPath, flagOutputRaw}
	if params.Speed > 0 {
		args = append(args, flagLengthScale, fmt.Sprintf("%.3f", 1.0/params.Speed))
	}

	cmd := exec.CommandContext(ctx, e.binaryPath, args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("run piper: %w: %s", err, detail)
		}

		return nil, fmt.Errorf("run piper: %w", err)
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}

	return wav.Encode(pcm, e.sampleRate, e.channels, pcmBitsPerSample), nil
}

// Voices reports the single voice baked into the configured model, named
// after the model file.
func (e *Engine) Voices(_ context.Context) ([]core.Voice, error) {
	name := strings.TrimSuffix(filepath.Base(e.modelPath), modelSuffix)

	return []core.Voice{
		{ID: name, Name: name, Language: e.language},
	}, nil
}

// Close releases nothing; each synthesis run is a fresh subprocess.
func (e *Engine) Close() error {
	return nil
}
