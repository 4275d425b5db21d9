package httpsynth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/engine/httpsynth"
)

func newTestEngine(t *testing.T, handler http.Handler) *httpsynth.Engine {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	engine := httpsynth.New(httpsynth.Config{BaseURL: server.URL}, log)
	t.Cleanup(func() { _ = engine.Close() })

	return engine
}

func routes(t *testing.T, handlers map[string]http.HandlerFunc) http.Handler {
	t.Helper()

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		handler, ok := handlers[request.URL.Path]
		if !ok {
			t.Errorf("unexpected request path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)

			return
		}

		handler(writer, request)
	})
}

func TestProbe(t *testing.T) {
	t.Parallel()

	t.Run("healthy service", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/health": func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusOK)
			},
		}))

		require.NoError(t, engine.Probe(context.Background()))
	})

	t.Run("unhealthy service", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/health": func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusServiceUnavailable)
			},
		}))

		require.ErrorIs(t, engine.Probe(context.Background()), httpsynth.ErrUnhealthy)
	})
}

func TestSynthesizeSuccess(t *testing.T) {
	t.Parallel()

	const audioPayload = "RIFF-mock-wav-bytes"

	var gotBody map[string]any

	engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
		"/v1/generate/speech": func(writer http.ResponseWriter, request *http.Request) {
			assert.Equal(t, http.MethodPost, request.Method)
			assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
			assert.Equal(t, "audio/wav", request.Header.Get("Accept"))

			require.NoError(t, json.NewDecoder(request.Body).Decode(&gotBody))

			writer.Header().Set("Content-Type", "audio/wav")
			_, _ = writer.Write([]byte(audioPayload))
		},
	}))

	params := core.SynthesisParams{
		Voice:       "narrator",
		Language:    "en-US",
		Speed:       1.2,
		Temperature: 0.6,
	}

	audio, err := engine.Synthesize(context.Background(), "Read this aloud.", params)
	require.NoError(t, err)
	assert.Equal(t, []byte(audioPayload), audio)

	assert.Equal(t, "Read this aloud.", gotBody["text"])
	assert.Equal(t, "narrator", gotBody["voice"])
	assert.Equal(t, "en-US", gotBody["language"])
	assert.InEpsilon(t, 1.2, gotBody["speed"], 1e-9)
	assert.InEpsilon(t, 0.6, gotBody["temperature"], 1e-9)
}

func TestSynthesizeAppliesDefaults(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any

	engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
		"/v1/generate/speech": func(writer http.ResponseWriter, request *http.Request) {
			require.NoError(t, json.NewDecoder(request.Body).Decode(&gotBody))

			writer.Header().Set("Content-Type", "audio/wav")
			_, _ = writer.Write([]byte("wav"))
		},
	}))

	_, err := engine.Synthesize(context.Background(), "Text.", core.SynthesisParams{})
	require.NoError(t, err)

	assert.Equal(t, "en", gotBody["language"])
	assert.InEpsilon(t, 0.75, gotBody["temperature"], 1e-9)
}

func TestSynthesizeFailures(t *testing.T) {
	t.Parallel()

	t.Run("empty text rejected locally", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, nil))

		_, err := engine.Synthesize(context.Background(), "", core.SynthesisParams{})
		require.ErrorIs(t, err, httpsynth.ErrEmptyText)
	})

	t.Run("structured service error", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/v1/generate/speech": func(writer http.ResponseWriter, _ *http.Request) {
				writer.Header().Set("Content-Type", "application/json")
				writer.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(writer).Encode(map[string]string{
					"detail":     "invalid speaker reference path",
					"error_code": "INVALID_SPEAKER_PATH",
				})
			},
		}))

		_, err := engine.Synthesize(context.Background(), "Text.", core.SynthesisParams{})
		require.ErrorIs(t, err, httpsynth.ErrServiceError)
		assert.Contains(t, err.Error(), "invalid speaker reference path")
		assert.Contains(t, err.Error(), "INVALID_SPEAKER_PATH")
	})

	t.Run("wrong content type", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/v1/generate/speech": func(writer http.ResponseWriter, _ *http.Request) {
				writer.Header().Set("Content-Type", "text/plain")
				_, _ = writer.Write([]byte("not audio"))
			},
		}))

		_, err := engine.Synthesize(context.Background(), "Text.", core.SynthesisParams{})
		require.ErrorIs(t, err, httpsynth.ErrUnexpectedAudio)
	})

	t.Run("empty audio body", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/v1/generate/speech": func(writer http.ResponseWriter, _ *http.Request) {
				writer.Header().Set("Content-Type", "audio/wav")
				writer.WriteHeader(http.StatusOK)
			},
		}))

		_, err := engine.Synthesize(context.Background(), "Text.", core.SynthesisParams{})
		require.ErrorIs(t, err, httpsynth.ErrEmptyAudio)
	})
}

func TestVoices(t *testing.T) {
	t.Parallel()

	t.Run("listing available", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, routes(t, map[string]http.HandlerFunc{
			"/v1/voices": func(writer http.ResponseWriter, _ *http.Request) {
				writer.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(writer).Encode([]map[string]string{
					{"id": "narrator", "name": "Narrator", "language": "en-US"},
					{"id": "reader", "name": "Reader", "language": "en-GB"},
				})
			},
		}))

		voices, err := engine.Voices(context.Background())
		require.NoError(t, err)
		require.Len(t, voices, 2)
		assert.Equal(t, "narrator", voices[0].ID)
		assert.Equal(t, "en-GB", voices[1].Language)
	})

	t.Run("listing absent maps to unsupported", func(t *testing.T) {
		t.Parallel()

		engine := newTestEngine(t, http.HandlerFunc(
			func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusNotFound)
			}))

		_, err := engine.Voices(context.Background())
		require.ErrorIs(t, err, core.ErrVoicesUnsupported)
	})
}
