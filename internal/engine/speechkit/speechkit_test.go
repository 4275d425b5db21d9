package speechkit_test

import (
	"context"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/engine/speechkit"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := speechkit.New(speechkit.Config{}, newTestLogger(t))
	require.ErrorIs(t, err, speechkit.ErrMissingAPIKey)
}

func TestNewDialsLazily(t *testing.T) {
	t.Parallel()

	// The gRPC connection is lazy, so construction succeeds without any
	// network and Close is clean.
	engine, err := speechkit.New(speechkit.Config{
		APIKey:   "test-key",
		FolderID: "test-folder",
		Endpoint: "localhost:1",
	}, newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, engine.Close())
}

func TestVoicesUnsupported(t *testing.T) {
	t.Parallel()

	engine, err := speechkit.New(speechkit.Config{
		APIKey:   "test-key",
		Endpoint: "localhost:1",
	}, newTestLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = engine.Close() })

	_, err = engine.Voices(context.Background())
	require.ErrorIs(t, err, core.ErrVoicesUnsupported)
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	t.Parallel()

	engine, err := speechkit.New(speechkit.Config{
		APIKey:   "test-key",
		Endpoint: "localhost:1",
	}, newTestLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = engine.Close() })

	_, err = engine.Synthesize(context.Background(), "", core.SynthesisParams{})
	require.ErrorIs(t, err, speechkit.ErrEmptyText)
}
