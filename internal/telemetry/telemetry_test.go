package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/book-expert/narrator-service/internal/core"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, http.NoBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	tel := &Telemetry{log: newTestLogger(t)}

	server := httptest.NewServer(tel.adminMux(nil))
	t.Cleanup(server.Close)

	status, body := get(t, server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, _ = get(t, server.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	tel.SetReady(true)

	status, body = get(t, server.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body)
}

func TestNilMetricsRecordsNothing(t *testing.T) {
	t.Parallel()

	var metrics *Metrics

	metrics.RecordSuccess(context.Background(), "narrator-en", 4, time.Second)
	metrics.RecordFailure(context.Background(), "narrator-en", core.StageGenerate)
}

func TestMetricsInstruments(t *testing.T) {
	t.Parallel()

	meter := sdkmetric.NewMeterProvider().Meter("test")

	metrics, err := NewMetrics(meter)
	require.NoError(t, err)

	metrics.RecordSuccess(context.Background(), "narrator-en", 4, 1500*time.Millisecond)
	metrics.RecordFailure(context.Background(), "narrator-en", core.StageStitch)
}

func TestSetupLifecycle(t *testing.T) {
	tel, err := Setup(context.Background(), Config{
		ServiceName: "narrator-test",
		Environment: "test",
	}, newTestLogger(t))
	require.NoError(t, err)
	require.NotNil(t, tel.Metrics)

	tel.Start()
	tel.SetReady(true)

	require.NoError(t, tel.Shutdown(context.Background()))
}
