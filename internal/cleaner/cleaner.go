// Package cleaner hands per-chunk WAV buffers to an external audio tool for
// inter-chunk silence, crossfading, loudness normalization, and tempo
// adjustment. The tool is a collaborator behind a narrow contract: ordered
// buffers in, one re-encoded buffer of the same container type out.
package cleaner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/wav"
)

const (
	chunkFileFormat = "chunk_%04d.wav"
	outputFileName  = "cleaned.wav"
	tempDirPattern  = "narrator-clean-"

	flagSilence   = "--silence-ms"
	flagCrossfade = "--crossfade-ms"
	flagNormalize = "--normalize"
	flagTempo     = "--tempo"
	flagOutput    = "--output"

	maxSilenceMs   = 10000
	maxCrossfadeMs = 5000
	minTempo       = 0.5
	maxTempo       = 2.0

	logCleaned = "Cleaner produced %d bytes from %d chunks"
)

// Static errors.
var (
	ErrEmptyCommand   = errors.New("empty cleaner command")
	ErrNoBuffers      = errors.New("no audio buffers to clean")
	ErrInvalidOptions = errors.New("invalid cleaner options")
)

// Options selects the cleaning passes. The zero value disables the cleaner
// entirely, leaving the raw stitch in charge.
type Options struct {
	SilenceMs   int     `toml:"silence_ms"`
	CrossfadeMs int     `toml:"crossfade_ms"`
	Normalize   bool    `toml:"normalize"`
	Tempo       float64 `toml:"tempo"`
}

// Enabled reports whether any cleaning pass is requested.
func (o Options) Enabled() bool {
	return o.SilenceMs > 0 ||
		o.CrossfadeMs > 0 ||
		o.Normalize ||
		(o.Tempo > 0 && o.Tempo != 1.0)
}

// Validate bounds the options.
func (o Options) Validate() error {
	if o.SilenceMs < 0 || o.SilenceMs > maxSilenceMs {
		return fmt.Errorf("%w: silence_ms must be between 0 and %d",
			ErrInvalidOptions, maxSilenceMs)
	}

	if o.CrossfadeMs < 0 || o.CrossfadeMs > maxCrossfadeMs {
		return fmt.Errorf("%w: crossfade_ms must be between 0 and %d",
			ErrInvalidOptions, maxCrossfadeMs)
	}

	if o.Tempo != 0 && (o.Tempo < minTempo || o.Tempo > maxTempo) {
		return fmt.Errorf("%w: tempo must be between %.1f and %.1f",
			ErrInvalidOptions, minTempo, maxTempo)
	}

	return nil
}

// Func is the cleaning contract the pipeline depends on, so tests can stand
// in a pure in-process implementation for the external tool.
type Func func(ctx context.Context, buffers [][]byte, opts Options) ([]byte, error)

// Cleaner invokes the configured external command. Chunk buffers are laid out
// as numbered WAV files in a scratch directory, the tool writes the cleaned
// file, and the result is read back and checked to still be a WAV.
type Cleaner struct {
	argv    []string
	timeout time.Duration
	log     *logger.Logger
}

// New parses the command string shell-style.
func New(command string, timeout time.Duration, log *logger.Logger) (*Cleaner, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse cleaner command: %w", err)
	}

	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	return &Cleaner{argv: argv, timeout: timeout, log: log}, nil
}

// Clean runs one cleaning pass over the ordered buffers.
func (c *Cleaner) Clean(ctx context.Context, buffers [][]byte, opts Options) ([]byte, error) {
	if len(buffers) == 0 {
		return nil, ErrNoBuffers
	}

	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", tempDirPattern)
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	defer func() { _ = os.RemoveAll(dir) }()

	inputs, err := writeChunks(dir, buffers)
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(dir, outputFileName)

	err = c.run(ctx, opts, outputPath, inputs)
	if err != nil {
		return nil, err
	}

	cleaned, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read cleaned audio: %w", err)
	}

	_, err = wav.Parse(cleaned)
	if err != nil {
		return nil, fmt.Errorf("cleaned audio is not a WAV: %w", err)
	}

	c.log.Info(logCleaned, len(cleaned), len(buffers))

	return cleaned, nil
}

// writeChunks lays the buffers out as numbered files so the tool sees them in
// chunk order.
func writeChunks(dir string, buffers [][]byte) ([]string, error) {
	paths := make([]string, 0, len(buffers))

	for i, buffer := range buffers {
		path := filepath.Join(dir, fmt.Sprintf(chunkFileFormat, i))

		err := os.WriteFile(path, buffer, 0o600)
		if err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}

		paths = append(paths, path)
	}

	return paths, nil
}

func (c *Cleaner) run(ctx context.Context, opts Options, outputPath string, inputs []string) error {
	args := Args(c.argv[1:], opts, outputPath, inputs)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("run cleaner: %w: %s", err, detail)
		}

		return fmt.Errorf("run cleaner: %w", err)
	}

	return nil
}

// Args assembles the tool's argument list: configured base arguments, then
// option flags, then the output path, then the ordered input files.
func Args(base []string, opts Options, outputPath string, inputs []string) []string {
	args := append([]string{}, base...)

	if opts.SilenceMs > 0 {
		args = append(args, flagSilence, strconv.Itoa(opts.SilenceMs))
	}

	if opts.CrossfadeMs > 0 {
		args = append(args, flagCrossfade, strconv.Itoa(opts.CrossfadeMs))
	}

	if opts.Normalize {
		args = append(args, flagNormalize)
	}

	if opts.Tempo > 0 && opts.Tempo != 1.0 {
		args = append(args, flagTempo, strconv.FormatFloat(opts.Tempo, 'f', 2, 64))
	}

	args = append(args, flagOutput, outputPath)
	args = append(args, inputs...)

	return args
}
