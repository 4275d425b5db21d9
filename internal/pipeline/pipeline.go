// Package pipeline runs one narration job end to end: model resolution,
// text normalization, chunking, fan-out synthesis, and assembly of the final
// WAV. Every failure is tagged with the stage it happened in, and every
// outcome, success or failure, is recorded in the ledger and the metrics.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/cleaner"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/ledger"
	"github.com/book-expert/narrator-service/internal/registry"
	"github.com/book-expert/narrator-service/internal/scheduler"
	"github.com/book-expert/narrator-service/internal/telemetry"
	"github.com/book-expert/narrator-service/internal/textnorm"
	"github.com/book-expert/narrator-service/internal/wav"
)

const (
	logJobStart     = "Narration %s: model %s, %d chars"
	logJobDone      = "Narration %s: %d chunk(s), %d bytes in %d ms"
	logJobFailed    = "Narration %s failed at %s: %v"
	logLedgerFailed = "Ledger append for narration %s failed: %v"
)

// englishPrefix gates the normalization passes that only make sense for
// English text, matching "en" and any regional variant like "en-US".
const englishPrefix = "en"

// Deps are the collaborators a Generator orchestrates. Registry, Chunker,
// and Scheduler are required; Clean, Ledger, and Metrics may be left unset,
// in which case the corresponding step is skipped.
type Deps struct {
	Registry  *registry.Registry
	Chunker   *chunker.Chunker
	Scheduler *scheduler.Scheduler

	// Clean joins chunk audio with silence, crossfade, loudness, or tempo
	// passes. It runs instead of the plain stitch whenever CleanOptions
	// requests at least one pass.
	Clean        cleaner.Func
	CleanOptions cleaner.Options

	// ApplySpeed moves the requested speed from the engine to the
	// cleaner's tempo pass, for engines with no native speed support.
	ApplySpeed bool

	Normalize textnorm.Options

	Ledger  *ledger.Ledger
	Metrics *telemetry.Metrics
}

// Generator turns a GenerationRequest into one finished WAV. It is stateless
// across requests and safe for concurrent use.
type Generator struct {
	registry  *registry.Registry
	chunker   *chunker.Chunker
	scheduler *scheduler.Scheduler

	clean      cleaner.Func
	cleanOpts  cleaner.Options
	applySpeed bool

	englishNorm *textnorm.Normalizer
	neutralNorm *textnorm.Normalizer

	ledger  *ledger.Ledger
	metrics *telemetry.Metrics
	log     *logger.Logger
}

// New creates a Generator from its collaborators. The English wordlist
// passes (abbreviation expansion, number spelling) are compiled into a
// separate normalizer so non-English text only receives the neutral ones.
func New(deps Deps, log *logger.Logger) *Generator {
	neutral := deps.Normalize
	neutral.ExpandAbbreviations = false
	neutral.SpellNumbers = false

	return &Generator{
		registry:    deps.Registry,
		chunker:     deps.Chunker,
		scheduler:   deps.Scheduler,
		clean:       deps.Clean,
		cleanOpts:   deps.CleanOptions,
		applySpeed:  deps.ApplySpeed,
		englishNorm: textnorm.New(deps.Normalize),
		neutralNorm: textnorm.New(neutral),
		ledger:      deps.Ledger,
		metrics:     deps.Metrics,
		log:         log,
	}
}

// job carries what a narration has established about itself so far, so that
// failure reporting can record whatever was known at the point of failure.
type job struct {
	id         string
	modelKey   string
	voice      string
	language   string
	chunkCount int
	started    time.Time
}

// Generate runs the full narration: validate, resolve the model, merge
// parameters, normalize and chunk the text, synthesize every chunk, and join
// the audio. The returned error is always a *core.StageError naming the
// phase that broke.
func (g *Generator) Generate(
	ctx context.Context,
	req core.GenerationRequest,
) (core.GenerationResult, error) {
	run := &job{
		id:      req.RequestID,
		started: time.Now(),
	}
	if run.id == "" {
		run.id = uuid.NewString()
	}

	err := req.Validate()
	if err != nil {
		return g.fail(ctx, run, core.StageResolve, err)
	}

	model, err := g.registry.Resolve(req.ModelKey)
	if err != nil {
		return g.fail(ctx, run, core.StageResolve, err)
	}

	run.modelKey = model.Descriptor.Key
	params := mergeParams(model.Descriptor, req.Params)
	run.voice = params.Voice
	run.language = params.Language

	cleanOpts, params := g.cleanPlan(params)

	text := g.normalizerFor(params.Language).Apply(req.Text)
	g.log.Info(logJobStart, run.id, run.modelKey, utf8.RuneCountInString(text))

	chunks, err := g.chunker.Chunk(ctx, text, params.Language)
	if err != nil {
		return g.fail(ctx, run, core.StageChunk, err)
	}

	run.chunkCount = len(chunks)

	buffers, err := g.scheduler.Generate(ctx, model.Engine, chunks, params)
	if err != nil {
		return g.fail(ctx, run, core.StageGenerate, err)
	}

	audio, stage, err := g.assemble(ctx, buffers, cleanOpts)
	if err != nil {
		return g.fail(ctx, run, stage, err)
	}

	elapsed := time.Since(run.started)
	result := core.GenerationResult{
		Audio:            audio,
		ModelKey:         run.modelKey,
		Voice:            params.Voice,
		Language:         params.Language,
		ChunkCount:       run.chunkCount,
		GenerationTimeMs: elapsed.Milliseconds(),
	}

	g.metrics.RecordSuccess(ctx, run.modelKey, run.chunkCount, elapsed)
	g.record(ctx, run, ledger.Entry{
		Status:     ledger.StatusCompleted,
		AudioBytes: len(audio),
	})
	g.log.Info(logJobDone, run.id, run.chunkCount, len(audio), result.GenerationTimeMs)

	return result, nil
}

// fail tags err with its stage, counts it, records it, and returns it. The
// zero result is intentional; partial audio is never handed out.
func (g *Generator) fail(
	ctx context.Context,
	run *job,
	stage core.Stage,
	err error,
) (core.GenerationResult, error) {
	stageErr := &core.StageError{Stage: stage, Err: err}

	g.log.Error(logJobFailed, run.id, stage, err)
	g.metrics.RecordFailure(ctx, run.modelKey, stage)
	g.record(ctx, run, ledger.Entry{
		Status: ledger.StatusFailed,
		Stage:  string(stage),
		Error:  stageErr.Error(),
	})

	return core.GenerationResult{}, stageErr
}

// record appends one ledger entry, filling the identity fields from the job.
// The ledger is an audit trail, not a dependency: append failures are logged
// and dropped, never surfaced to the caller.
func (g *Generator) record(ctx context.Context, run *job, entry ledger.Entry) {
	if g.ledger == nil {
		return
	}

	entry.RequestID = run.id
	entry.ModelKey = run.modelKey
	entry.Voice = run.voice
	entry.Language = run.language
	entry.ChunkCount = run.chunkCount
	entry.DurationMs = time.Since(run.started).Milliseconds()

	err := g.ledger.Append(ctx, entry)
	if err != nil {
		g.log.Warn(logLedgerFailed, run.id, err)
	}
}

// assemble joins the ordered chunk buffers into one WAV. When a cleaning
// pass is requested and a cleaner is wired, the cleaner does the join;
// otherwise the buffers are stitched directly and the joined payload is
// checked against the sum of its parts.
func (g *Generator) assemble(
	ctx context.Context,
	buffers [][]byte,
	opts cleaner.Options,
) ([]byte, core.Stage, error) {
	if g.clean != nil && opts.Enabled() {
		audio, err := g.clean(ctx, buffers, opts)
		if err != nil {
			return nil, core.StageClean, fmt.Errorf("%w: %w", core.ErrStitchFailed, err)
		}

		return audio, "", nil
	}

	audio, err := wav.Stitch(buffers)
	if err != nil {
		return nil, core.StageStitch, fmt.Errorf("%w: %w", core.ErrStitchFailed, err)
	}

	err = verifyStitched(buffers, audio)
	if err != nil {
		return nil, core.StageStitch, err
	}

	return audio, "", nil
}

// verifyStitched confirms the joined payload carries exactly the PCM bytes
// of every chunk, in aggregate. A mismatch means samples were lost or
// duplicated during the join.
func verifyStitched(buffers [][]byte, stitched []byte) error {
	var want int

	for _, buf := range buffers {
		data, err := wav.Data(buf)
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrStitchFailed, err)
		}

		want += len(data)
	}

	got, err := wav.Data(stitched)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrStitchFailed, err)
	}

	if len(got) != want {
		return fmt.Errorf("%w: joined %d PCM bytes, chunks carry %d",
			core.ErrStitchFailed, len(got), want)
	}

	return nil
}

// cleanPlan decides the cleaner options for one request. With ApplySpeed
// set, the requested speed becomes the cleaner's tempo pass and the engine
// synthesizes at its native rate, so the adjustment happens exactly once.
func (g *Generator) cleanPlan(
	params core.SynthesisParams,
) (cleaner.Options, core.SynthesisParams) {
	opts := g.cleanOpts

	if g.applySpeed && params.Speed > 0 {
		opts.Tempo = params.Speed
		params.Speed = 0
	}

	return opts, params
}

// normalizerFor picks the normalization set for a language. Abbreviation
// expansion and number spelling are English wordlists; every other language
// receives only the language-neutral passes.
func (g *Generator) normalizerFor(language string) *textnorm.Normalizer {
	if strings.HasPrefix(strings.ToLower(language), englishPrefix) {
		return g.englishNorm
	}

	return g.neutralNorm
}

// mergeParams overlays the request's explicit parameters on the model's
// catalog defaults. Zero request fields keep the catalog value; an empty
// voice or language falls back to the descriptor's own.
func mergeParams(desc registry.ModelDescriptor, req core.SynthesisParams) core.SynthesisParams {
	merged := desc.Params

	if req.Voice != "" {
		merged.Voice = req.Voice
	}

	if req.Language != "" {
		merged.Language = req.Language
	}

	if req.Speed != 0 {
		merged.Speed = req.Speed
	}

	if req.Temperature != 0 {
		merged.Temperature = req.Temperature
	}

	if req.TopP != 0 {
		merged.TopP = req.TopP
	}

	if req.RepetitionPenalty != 0 {
		merged.RepetitionPenalty = req.RepetitionPenalty
	}

	if req.Seed != 0 {
		merged.Seed = req.Seed
	}

	if merged.Voice == "" {
		merged.Voice = desc.Voice
	}

	if merged.Language == "" {
		merged.Language = desc.Language
	}

	return merged
}
