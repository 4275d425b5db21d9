package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/protocol"
	"github.com/book-expert/narrator-service/internal/worker"
)

var (
	errBucketDown = errors.New("bucket unavailable")
	errGenRefused = errors.New("generation refused")
)

// memBucket is an in-memory core.ObjectStore.
type memBucket struct {
	mu          sync.Mutex
	objects     map[string][]byte
	meta        map[string]map[string]string
	downloaded  []string
	downloadErr error
	uploadErr   error
}

func newMemBucket() *memBucket {
	return &memBucket{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (m *memBucket) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.downloadErr != nil {
		return nil, m.downloadErr
	}

	m.downloaded = append(m.downloaded, key)

	data, ok := m.objects[key]
	if !ok {
		return nil, errBucketDown
	}

	return data, nil
}

func (m *memBucket) Upload(_ context.Context, key string, data []byte, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadErr != nil {
		return m.uploadErr
	}

	m.objects[key] = data
	m.meta[key] = meta

	return nil
}

func (m *memBucket) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	delete(m.meta, key)

	return nil
}

func (m *memBucket) stored(key string) ([]byte, map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]

	return data, m.meta[key], ok
}

// fakeGenerator records requests and returns a fixed outcome.
type fakeGenerator struct {
	mu     sync.Mutex
	reqs   []core.GenerationRequest
	result core.GenerationResult
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, req core.GenerationRequest) (core.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)

	if f.err != nil {
		return core.GenerationResult{}, f.err
	}

	return f.result, nil
}

func (f *fakeGenerator) requests() []core.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]core.GenerationRequest(nil), f.reqs...)
}

type workerHarness struct {
	conn  *nats.Conn
	texts *memBucket
	audio *memBucket
	gen   *fakeGenerator
	cfg   worker.Config
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return &workerHarness{
		conn:  conn,
		texts: newMemBucket(),
		audio: newMemBucket(),
		gen: &fakeGenerator{
			result: core.GenerationResult{
				Audio:            []byte("RIFF-finished-audio"),
				ModelKey:         "piper-en",
				Voice:            "amy",
				Language:         "en-US",
				ChunkCount:       2,
				GenerationTimeMs: 42,
			},
		},
		cfg: worker.Config{
			RequestedSubject: "narrator.test.requested",
			GeneratedSubject: "narrator.test.generated",
			FailedSubject:    "narrator.test.failed",
			MessageTimeout:   10 * time.Second,
		},
	}
}

// start runs the worker and blocks until its subscription is registered on
// the shared connection, so a following publish cannot outrun it.
func (h *workerHarness) start(t *testing.T) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	w := worker.New(h.conn, h.cfg, h.texts, h.audio, h.gen, log)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- w.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errChan)
	})

	require.Eventually(t, func() bool {
		return h.conn.NumSubscriptions() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func (h *workerHarness) request(t *testing.T, event protocol.SpeechRequestedEvent) *nats.Msg {
	t.Helper()

	data, err := json.Marshal(event)
	require.NoError(t, err)

	reply, err := h.conn.Request(h.cfg.RequestedSubject, data, 5*time.Second)
	require.NoError(t, err)

	return reply
}

func TestWorkerHandlesInlineText(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-1",
		Text:      "Read this aloud.",
		ModelKey:  "piper-en",
		Voice:     "amy",
	})

	var generated protocol.SpeechGeneratedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &generated))
	assert.Equal(t, "req-1", generated.RequestID)
	assert.Equal(t, "piper-en", generated.ModelKey)
	assert.Equal(t, 2, generated.Chunks)
	assert.Equal(t, len("RIFF-finished-audio"), generated.AudioBytes)
	assert.Equal(t, int64(42), generated.GenerationTimeMs)

	require.True(t, strings.HasSuffix(generated.AudioKey, ".wav"))
	_, err := uuid.Parse(strings.TrimSuffix(generated.AudioKey, ".wav"))
	require.NoError(t, err)

	data, meta, ok := h.audio.stored(generated.AudioKey)
	require.True(t, ok)
	assert.Equal(t, []byte("RIFF-finished-audio"), data)
	assert.Equal(t, "piper-en", meta[objectstore.MetaModel])
	assert.Equal(t, "amy", meta[objectstore.MetaVoice])
	assert.Equal(t, objectstore.ContentTypeWAV, meta[objectstore.MetaContentType])

	reqs := h.gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Read this aloud.", reqs[0].Text)
	assert.Equal(t, "amy", reqs[0].Params.Voice)
}

func TestWorkerUsesRequestedOutputKey(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		Text:      "Name the output.",
		OutputKey: "books/ch01.wav",
	})

	var generated protocol.SpeechGeneratedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &generated))
	assert.Equal(t, "books/ch01.wav", generated.AudioKey)

	_, _, ok := h.audio.stored("books/ch01.wav")
	assert.True(t, ok)
}

func TestWorkerResolvesTextFromBucket(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.texts.objects["texts/ch02.txt"] = []byte("The bucket held this chapter.")
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-2",
		TextKey:   "texts/ch02.txt",
	})

	var generated protocol.SpeechGeneratedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &generated))
	assert.Equal(t, "req-2", generated.RequestID)

	reqs := h.gen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "The bucket held this chapter.", reqs[0].Text)
}

func TestWorkerRejectsAmbiguousRequest(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-3",
		Text:      "inline",
		TextKey:   "also/key.txt",
	})

	var failed protocol.SpeechFailedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &failed))
	assert.Equal(t, "req-3", failed.RequestID)
	assert.Contains(t, failed.Reason, "both")
	assert.Empty(t, h.gen.requests())
}

func TestWorkerReportsMissingText(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-4",
		TextKey:   "texts/never-uploaded.txt",
	})

	var failed protocol.SpeechFailedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &failed))
	assert.Equal(t, "resolve", failed.Stage)
	assert.Contains(t, failed.Reason, "never-uploaded")
}

func TestWorkerReportsGenerationFailure(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.gen.err = &core.StageError{Stage: core.StageGenerate, Err: errGenRefused}
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-5",
		Text:      "Doomed job.",
	})

	var failed protocol.SpeechFailedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &failed))
	assert.Equal(t, "req-5", failed.RequestID)
	assert.Equal(t, "generate", failed.Stage)
	assert.Contains(t, failed.Reason, "generation refused")
}

func TestWorkerReportsUploadFailure(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.audio.uploadErr = errBucketDown
	h.start(t)

	reply := h.request(t, protocol.SpeechRequestedEvent{
		RequestID: "req-6",
		Text:      "Cannot store this.",
	})

	var failed protocol.SpeechFailedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &failed))
	assert.Equal(t, "store", failed.Stage)
	assert.Contains(t, failed.Reason, "bucket unavailable")
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	reply, err := h.conn.Request(h.cfg.RequestedSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var failed protocol.SpeechFailedEvent

	require.NoError(t, json.Unmarshal(reply.Data, &failed))
	assert.Contains(t, failed.Reason, "malformed")
	assert.Empty(t, h.gen.requests())
}

func TestWorkerPublishesWhenNoReplyInbox(t *testing.T) {
	t.Parallel()

	h := newWorkerHarness(t)
	h.start(t)

	sub, err := h.conn.SubscribeSync(h.cfg.GeneratedSubject)
	require.NoError(t, err)

	event := protocol.SpeechRequestedEvent{RequestID: "req-7", Text: "Fire and forget."}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, h.conn.Publish(h.cfg.RequestedSubject, data))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var generated protocol.SpeechGeneratedEvent

	require.NoError(t, json.Unmarshal(msg.Data, &generated))
	assert.Equal(t, "req-7", generated.RequestID)
}
