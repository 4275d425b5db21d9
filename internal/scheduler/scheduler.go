// Package scheduler fans text chunks out to a speech engine under a bounded
// worker pool and collects the per-chunk audio in original order. A narration
// is all-or-nothing: the first chunk failure aborts the rest and the request
// fails as a whole.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
)

const (
	// DefaultWorkers caps concurrent synthesis calls per request. The
	// backend is usually one synthesis server; an unbounded burst of
	// chunk requests would overload it.
	DefaultWorkers = 10

	// DefaultSynthesisTimeout bounds a single chunk synthesis. Engines
	// can be slow on long sentences, so this is deliberately generous.
	DefaultSynthesisTimeout = 2 * time.Minute

	logDispatch    = "Dispatching %d chunk(s) across %d worker(s)"
	logChunkFailed = "Chunk %d failed, aborting request: %v"
	logDone        = "Generated %d chunk(s) in %s"
)

// Config bounds the pool. Zero fields take the package defaults.
type Config struct {
	Workers          int
	SynthesisTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = DefaultSynthesisTimeout
	}

	return c
}

// Scheduler runs chunk generation for one engine at a time. It is stateless
// across requests and safe for concurrent use.
type Scheduler struct {
	cfg Config
	log *logger.Logger
}

// New creates a Scheduler; zero config fields take the package defaults.
func New(cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg: cfg.withDefaults(),
		log: log,
	}
}

// generation is the shared state of one request: the claim cursor, the
// pre-sized results slice, and the first recorded failure. Workers claim
// indices by atomic increment and each writes only its claimed slot, so the
// results slice needs no lock.
type generation struct {
	chunks  []core.TextChunk
	results [][]byte
	cursor  atomic.Int64

	mu       sync.Mutex
	firstErr *core.ChunkError
	abort    context.CancelFunc
}

// fail records err for chunk index unless a failure was already recorded,
// then cancels the remaining in-flight work. Only the first failure is kept;
// later errors are a consequence of the abort.
func (g *generation) fail(index int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.firstErr != nil {
		return
	}

	g.firstErr = &core.ChunkError{Index: index, Err: err}
	g.abort()
}

func (g *generation) failure() *core.ChunkError {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.firstErr
}

// Generate synthesizes every chunk through the engine and returns the audio
// buffers indexed exactly like the input chunks. Workers complete in any
// order; placement by claimed index keeps the output deterministic. On the
// first chunk failure all remaining work is aborted, partial audio is
// discarded, and the chunk's index and cause are returned.
func (s *Scheduler) Generate(
	ctx context.Context,
	engine core.Engine,
	chunks []core.TextChunk,
	params core.SynthesisParams,
) ([][]byte, error) {
	if len(chunks) == 0 {
		return nil, core.ErrNoChunks
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gen := &generation{
		chunks:  chunks,
		results: make([][]byte, len(chunks)),
		abort:   cancel,
	}

	workers := s.cfg.Workers
	if workers > len(chunks) {
		workers = len(chunks)
	}

	s.log.Info(logDispatch, len(chunks), workers)
	started := time.Now()

	var waitGroup sync.WaitGroup

	for workerID := 0; workerID < workers; workerID++ {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()
			s.runWorker(genCtx, engine, gen, params)
		}()
	}

	waitGroup.Wait()

	if chunkErr := gen.failure(); chunkErr != nil {
		return nil, chunkErr
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("generation canceled: %w", err)
	}

	s.log.Info(logDone, len(chunks), time.Since(started).Round(time.Millisecond))

	return gen.results, nil
}

// runWorker claims chunk indices off the shared cursor until none remain or
// the request is aborted.
func (s *Scheduler) runWorker(
	ctx context.Context,
	engine core.Engine,
	gen *generation,
	params core.SynthesisParams,
) {
	for {
		if ctx.Err() != nil {
			return
		}

		index := int(gen.cursor.Add(1)) - 1
		if index >= len(gen.chunks) {
			return
		}

		audio, err := s.synthesizeChunk(ctx, engine, gen.chunks[index].Text, params)
		if err != nil {
			s.log.Error(logChunkFailed, index, err)
			gen.fail(index, err)

			return
		}

		gen.results[index] = audio
	}
}

// synthesizeChunk runs one engine call under the per-chunk timeout. An empty
// payload with a nil error is still a failure; silence is not narration.
func (s *Scheduler) synthesizeChunk(
	ctx context.Context,
	engine core.Engine,
	text string,
	params core.SynthesisParams,
) ([]byte, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
	defer cancel()

	audio, err := engine.Synthesize(chunkCtx, text, params)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	if len(audio) == 0 {
		return nil, core.ErrNoAudioGenerated
	}

	return audio, nil
}
