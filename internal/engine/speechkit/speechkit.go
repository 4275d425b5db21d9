// Package speechkit adapts Yandex SpeechKit v3 to the engine interface. The
// API is a server-streaming gRPC synthesizer; one utterance request streams
// back WAV audio chunks that are joined into a single payload.
package speechkit

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	tts "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"

	"github.com/book-expert/narrator-service/internal/core"
)

const (
	// DefaultEndpoint is the public SpeechKit synthesis endpoint.
	DefaultEndpoint = "tts.api.cloud.yandex.net:443"

	defaultModel = "general"

	metadataAuthorization = "authorization"
	metadataFolderID      = "x-folder-id"
	apiKeyPrefix          = "Api-Key "

	logConnReady = "SpeechKit connection ready, model %s"
)

// Static errors.
var (
	ErrMissingAPIKey = errors.New("speechkit api key is required")
	ErrEmptyText     = errors.New("text cannot be empty")
	ErrEmptyAudio    = errors.New("synthesis stream carried no audio")
)

// Config carries SpeechKit credentials and knobs. Endpoint and Model default
// to the public endpoint and the general model.
type Config struct {
	Endpoint string
	APIKey   string
	FolderID string
	Model    string
}

// Engine is a core.Engine backed by SpeechKit.
type Engine struct {
	client   tts.SynthesizerClient
	conn     *grpc.ClientConn
	apiKey   string
	folderID string
	model    string
	log      *logger.Logger
}

// New dials the SpeechKit endpoint. The connection is lazy; readiness is
// established by Probe.
func New(cfg Config, log *logger.Logger) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})

	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial speechkit at %s: %w", endpoint, err)
	}

	return &Engine{
		client:   tts.NewSynthesizerClient(conn),
		conn:     conn,
		apiKey:   cfg.APIKey,
		folderID: cfg.FolderID,
		model:    model,
		log:      log,
	}, nil
}

// Probe drives the lazy connection until it is ready or ctx expires.
func (e *Engine) Probe(ctx context.Context) error {
	e.conn.Connect()

	for {
		state := e.conn.GetState()
		if state == connectivity.Ready {
			e.log.Info(logConnReady, e.model)

			return nil
		}

		if !e.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("speechkit connection not ready: %w", ctx.Err())
		}
	}
}

// Synthesize streams one utterance and returns the joined WAV payload.
func (e *Engine) Synthesize(ctx context.Context, text string, params core.SynthesisParams) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx = metadata.AppendToOutgoingContext(ctx, metadataAuthorization, apiKeyPrefix+e.apiKey)
	if e.folderID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, metadataFolderID, e.folderID)
	}

	stream, err := e.client.UtteranceSynthesis(ctx, e.buildRequest(text, params))
	if err != nil {
		return nil, fmt.Errorf("start speechkit synthesis: %w", err)
	}

	var audio bytes.Buffer

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}

		if recvErr != nil {
			return nil, fmt.Errorf("receive speechkit audio: %w", recvErr)
		}

		if chunk := resp.GetAudioChunk(); chunk != nil {
			audio.Write(chunk.GetData())
		}
	}

	if audio.Len() == 0 {
		return nil, ErrEmptyAudio
	}

	return audio.Bytes(), nil
}

// Voices reports unsupported: SpeechKit v3 has no voice listing call, so the
// static catalog is the source of truth.
func (e *Engine) Voices(_ context.Context) ([]core.Voice, error) {
	return nil, core.ErrVoicesUnsupported
}

// Close tears down the gRPC connection.
func (e *Engine) Close() error {
	err := e.conn.Close()
	if err != nil {
		return fmt.Errorf("close speechkit connection: %w", err)
	}

	return nil
}

// buildRequest assembles one utterance request: WAV container, LUFS loudness
// normalization, and voice/speed hints when set.
func (e *Engine) buildRequest(text string, params core.SynthesisParams) *tts.UtteranceSynthesisRequest {
	req := &tts.UtteranceSynthesisRequest{}
	req.SetModel(e.model)
	req.SetText(text)

	var hints []*tts.Hints

	if params.Voice != "" {
		voiceHint := &tts.Hints{}
		voiceHint.SetVoice(params.Voice)
		hints = append(hints, voiceHint)
	}

	if params.Speed > 0 {
		speedHint := &tts.Hints{}
		speedHint.SetSpeed(params.Speed)
		hints = append(hints, speedHint)
	}

	if len(hints) > 0 {
		req.SetHints(hints)
	}

	containerAudio := &tts.ContainerAudio{}
	containerAudio.SetContainerAudioType(tts.ContainerAudio_WAV)

	audioSpec := &tts.AudioFormatOptions{}
	audioSpec.SetContainerAudio(containerAudio)
	req.SetOutputAudioSpec(audioSpec)

	req.SetLoudnessNormalizationType(tts.UtteranceSynthesisRequest_LUFS)

	return req
}
