// Package worker runs the NATS-facing side of the narrator service: it
// consumes speech requests, drives the generation pipeline, stores the
// finished audio, and reports the outcome. Replies go to the request's
// reply inbox when one is set, otherwise to the configured subjects.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/protocol"
)

const (
	// DefaultMessageTimeout bounds one whole narration job, chunk fan-out
	// included. Generous: long chapters on slow backends are normal.
	DefaultMessageTimeout = 10 * time.Minute

	// audioKeySuffix names uploaded narration objects when the requester
	// did not pick a key.
	audioKeySuffix = ".wav"

	// storePhase tags failures that happen outside the pipeline, while
	// moving artifacts in or out of the object store.
	storePhase = "store"

	logListening     = "Narrator worker listening on %s"
	logBadPayload    = "Discarding malformed request payload: %v"
	logRejected      = "Request %s rejected: %v"
	logJobFailed     = "Request %s failed: %v"
	logUploadFailed  = "Request %s: audio upload failed: %v"
	logJobDelivered  = "Request %s: %d bytes as %q in %d ms"
	logPublishFailed = "Publishing outcome for request %s failed: %v"
)

// Generator runs one narration job. The pipeline's Generator satisfies it;
// tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, req core.GenerationRequest) (core.GenerationResult, error)
}

// Config wires the worker's subjects and its per-message budget. Zero
// fields take the package defaults.
type Config struct {
	RequestedSubject string
	GeneratedSubject string
	FailedSubject    string
	MessageTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestedSubject == "" {
		c.RequestedSubject = protocol.DefaultRequestedSubject
	}

	if c.GeneratedSubject == "" {
		c.GeneratedSubject = protocol.DefaultGeneratedSubject
	}

	if c.FailedSubject == "" {
		c.FailedSubject = protocol.DefaultFailedSubject
	}

	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}

	return c
}

// Worker consumes speech requests from NATS and answers them.
type Worker struct {
	conn  *nats.Conn
	cfg   Config
	texts core.ObjectStore
	audio core.ObjectStore
	gen   Generator
	log   *logger.Logger
}

// New creates a Worker. texts may be nil when every request carries inline
// text; audio is required.
func New(
	conn *nats.Conn,
	cfg Config,
	texts core.ObjectStore,
	audio core.ObjectStore,
	gen Generator,
	log *logger.Logger,
) *Worker {
	return &Worker{
		conn:  conn,
		cfg:   cfg.withDefaults(),
		texts: texts,
		audio: audio,
		gen:   gen,
		log:   log,
	}
}

// Run subscribes to the requested subject and serves until ctx is done,
// then drains the subscription so in-flight jobs finish.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.conn.Subscribe(w.cfg.RequestedSubject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.cfg.RequestedSubject, err)
	}

	w.log.Info(logListening, w.cfg.RequestedSubject)

	<-ctx.Done()

	err = sub.Drain()
	if err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}

	return nil
}

func (w *Worker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.MessageTimeout)
	defer cancel()

	var event protocol.SpeechRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error(logBadPayload, err)
		w.deliverFailure(msg, protocol.SpeechFailedEvent{
			Reason: fmt.Sprintf("malformed request payload: %v", err),
		})

		return
	}

	err = event.Validate()
	if err != nil {
		w.log.Error(logRejected, event.RequestID, err)
		w.deliverFailure(msg, protocol.FailureFor(event.RequestID, err))

		return
	}

	w.process(ctx, msg, event)
}

// process runs one validated request to completion.
func (w *Worker) process(ctx context.Context, msg *nats.Msg, event protocol.SpeechRequestedEvent) {
	text, err := w.resolveText(ctx, event)
	if err != nil {
		w.log.Error(logJobFailed, event.RequestID, err)
		sentry.CaptureException(err)

		failure := protocol.FailureFor(event.RequestID, err)
		failure.Stage = string(core.StageResolve)
		w.deliverFailure(msg, failure)

		return
	}

	result, err := w.gen.Generate(ctx, core.GenerationRequest{
		RequestID: event.RequestID,
		Text:      text,
		ModelKey:  event.ModelKey,
		Params: core.SynthesisParams{
			Voice:    event.Voice,
			Language: event.Language,
			Speed:    event.Speed,
		},
	})
	if err != nil {
		w.log.Error(logJobFailed, event.RequestID, err)
		sentry.CaptureException(err)
		w.deliverFailure(msg, protocol.FailureFor(event.RequestID, err))

		return
	}

	audioKey := event.OutputKey
	if audioKey == "" {
		audioKey = uuid.NewString() + audioKeySuffix
	}

	err = w.audio.Upload(ctx, audioKey, result.Audio,
		objectstore.AudioMeta(result.ModelKey, result.Voice))
	if err != nil {
		w.log.Error(logUploadFailed, event.RequestID, err)
		sentry.CaptureException(err)

		failure := protocol.FailureFor(event.RequestID, err)
		failure.Stage = storePhase
		w.deliverFailure(msg, failure)

		return
	}

	generated := protocol.SpeechGeneratedEvent{
		RequestID:        event.RequestID,
		AudioKey:         audioKey,
		ModelKey:         result.ModelKey,
		Voice:            result.Voice,
		Language:         result.Language,
		Chunks:           result.ChunkCount,
		AudioBytes:       len(result.Audio),
		GenerationTimeMs: result.GenerationTimeMs,
	}

	w.deliverGenerated(msg, generated)
	w.log.Info(logJobDelivered,
		event.RequestID, len(result.Audio), audioKey, result.GenerationTimeMs)
}

// resolveText returns the narration input, inline or from the text bucket.
func (w *Worker) resolveText(ctx context.Context, event protocol.SpeechRequestedEvent) (string, error) {
	if event.Text != "" {
		return event.Text, nil
	}

	if w.texts == nil {
		return "", fmt.Errorf("text key %q: %w", event.TextKey, core.ErrInvalidRequest)
	}

	data, err := w.texts.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("download text %q: %w", event.TextKey, err)
	}

	return string(data), nil
}

func (w *Worker) deliverGenerated(msg *nats.Msg, event protocol.SpeechGeneratedEvent) {
	w.deliver(msg, event.RequestID, w.cfg.GeneratedSubject, event)
}

func (w *Worker) deliverFailure(msg *nats.Msg, event protocol.SpeechFailedEvent) {
	w.deliver(msg, event.RequestID, w.cfg.FailedSubject, event)
}

// deliver sends the outcome to the request's reply inbox when one is set,
// otherwise to the given subject.
func (w *Worker) deliver(msg *nats.Msg, requestID, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error(logPublishFailed, requestID, err)

		return
	}

	target := subject
	if msg.Reply != "" {
		target = msg.Reply
	}

	err = w.conn.Publish(target, data)
	if err != nil {
		w.log.Error(logPublishFailed, requestID, err)
	}
}
