package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/scheduler"
)

var errEngineBoom = errors.New("engine rejected chunk")

// fakeEngine synthesizes by echoing the chunk text, with optional per-text
// delays, failures, and hangs. It records call and concurrency counts.
type fakeEngine struct {
	delays      map[string]time.Duration
	failOn      string
	hangOn      string
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *fakeEngine) Probe(_ context.Context) error {
	return nil
}

func (f *fakeEngine) Synthesize(ctx context.Context, text string, _ core.SynthesisParams) ([]byte, error) {
	f.calls.Add(1)

	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		peak := f.maxInFlight.Load()
		if current <= peak || f.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	if f.failOn != "" && text == f.failOn {
		return nil, errEngineBoom
	}

	if f.hangOn != "" && text == f.hangOn {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if delay, ok := f.delays[text]; ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return []byte("audio:" + text), nil
}

func (f *fakeEngine) Voices(_ context.Context) ([]core.Voice, error) {
	return nil, core.ErrVoicesUnsupported
}

func (f *fakeEngine) Close() error {
	return nil
}

func newTestScheduler(t *testing.T, cfg scheduler.Config) *scheduler.Scheduler {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return scheduler.New(cfg, log)
}

func makeChunks(n int) []core.TextChunk {
	chunks := make([]core.TextChunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, core.TextChunk{Index: i, Text: fmt.Sprintf("chunk-%d", i)})
	}

	return chunks
}

func TestGenerateSingleChunk(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, scheduler.Config{Workers: 10})
	engine := &fakeEngine{}

	results, err := sched.Generate(context.Background(), engine, makeChunks(1), core.SynthesisParams{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("audio:chunk-0"), results[0])
	assert.Equal(t, int64(1), engine.calls.Load())
}

func TestGeneratePreservesOrderUnderRacingWorkers(t *testing.T) {
	t.Parallel()

	const chunkCount = 6

	// Earlier chunks sleep longer, so completion order is roughly the
	// reverse of dispatch order.
	delays := make(map[string]time.Duration, chunkCount)
	for i := 0; i < chunkCount; i++ {
		delays[fmt.Sprintf("chunk-%d", i)] = time.Duration(chunkCount-i) * 20 * time.Millisecond
	}

	sched := newTestScheduler(t, scheduler.Config{Workers: chunkCount})
	engine := &fakeEngine{delays: delays}

	results, err := sched.Generate(context.Background(), engine, makeChunks(chunkCount), core.SynthesisParams{})
	require.NoError(t, err)
	require.Len(t, results, chunkCount)

	for i, audio := range results {
		assert.Equal(t, []byte(fmt.Sprintf("audio:chunk-%d", i)), audio)
	}
}

func TestGenerateBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const workerLimit = 2

	delays := make(map[string]time.Duration)
	for i := 0; i < 8; i++ {
		delays[fmt.Sprintf("chunk-%d", i)] = 30 * time.Millisecond
	}

	sched := newTestScheduler(t, scheduler.Config{Workers: workerLimit})
	engine := &fakeEngine{delays: delays}

	_, err := sched.Generate(context.Background(), engine, makeChunks(8), core.SynthesisParams{})
	require.NoError(t, err)
	assert.LessOrEqual(t, engine.maxInFlight.Load(), int64(workerLimit))
}

func TestGenerateFirstErrorAborts(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, scheduler.Config{Workers: 2})

	// chunk-0 fails immediately; every other chunk sleeps until the abort
	// cancels it, so the recorded failure is deterministic.
	delays := make(map[string]time.Duration)
	for i := 1; i < 20; i++ {
		delays[fmt.Sprintf("chunk-%d", i)] = time.Second
	}

	engine := &fakeEngine{failOn: "chunk-0", delays: delays}

	results, err := sched.Generate(context.Background(), engine, makeChunks(20), core.SynthesisParams{})
	require.Error(t, err)
	assert.Nil(t, results, "no partial audio on failure")

	var chunkErr *core.ChunkError

	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 0, chunkErr.Index)
	require.ErrorIs(t, err, errEngineBoom)

	assert.Less(t, engine.calls.Load(), int64(20), "abort should stop remaining chunks")
}

func TestGenerateTimeoutBecomesChunkError(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, scheduler.Config{
		Workers:          10,
		SynthesisTimeout: 50 * time.Millisecond,
	})
	engine := &fakeEngine{hangOn: "chunk-2"}

	results, err := sched.Generate(context.Background(), engine, makeChunks(5), core.SynthesisParams{})
	require.Error(t, err)
	assert.Nil(t, results)

	var chunkErr *core.ChunkError

	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 2, chunkErr.Index)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateEmptyAudioIsFailure(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, scheduler.Config{Workers: 1})
	engine := &emptyAudioEngine{}

	_, err := sched.Generate(context.Background(), engine, makeChunks(1), core.SynthesisParams{})
	require.ErrorIs(t, err, core.ErrNoAudioGenerated)
}

func TestGenerateNoChunksRejected(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, scheduler.Config{})
	engine := &fakeEngine{}

	_, err := sched.Generate(context.Background(), engine, nil, core.SynthesisParams{})
	require.ErrorIs(t, err, core.ErrNoChunks)
	assert.Zero(t, engine.calls.Load())
}

// emptyAudioEngine returns success with no payload.
type emptyAudioEngine struct{}

func (e *emptyAudioEngine) Probe(_ context.Context) error {
	return nil
}

func (e *emptyAudioEngine) Synthesize(_ context.Context, _ string, _ core.SynthesisParams) ([]byte, error) {
	return []byte{}, nil
}

func (e *emptyAudioEngine) Voices(_ context.Context) ([]core.Voice, error) {
	return nil, core.ErrVoicesUnsupported
}

func (e *emptyAudioEngine) Close() error {
	return nil
}
