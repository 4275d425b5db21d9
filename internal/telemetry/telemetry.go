// Package telemetry wires tracing, metrics, and the admin HTTP surface. The
// trace and meter providers are installed globally; the Metrics bundle is
// what the pipeline records against, and it is nil-safe so tools can run
// without any telemetry at all.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/book-expert/narrator-service/internal/core"
)

const (
	defaultServiceName = "narrator-service"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	logTracesOTLP   = "Traces exported via OTLP to %s"
	logTracesStdout = "Traces exported to stdout"
	logAdminUp      = "Admin server listening on %s"
	logAdminFailed  = "Admin server failed: %v"
)

// Config selects the exporters and the admin address. An empty AdminAddr
// disables the admin server.
type Config struct {
	ServiceName  string `toml:"service_name"`
	Environment  string `toml:"environment"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
	AdminAddr    string `toml:"admin_addr"`
}

// Telemetry owns the installed providers and the admin server.
type Telemetry struct {
	Metrics *Metrics

	log           *logger.Logger
	admin         *http.Server
	ready         atomic.Bool
	adminDone     sync.WaitGroup
	tracerClose   func(context.Context) error
	meterProvider *sdkmetric.MeterProvider
}

// Setup builds the resource, installs trace and meter providers, and
// prepares the admin server. Call Start to begin serving and Shutdown on the
// way out.
func Setup(ctx context.Context, cfg Config, log *logger.Logger) (*Telemetry, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tracerProvider, tracerClose, err := initTracer(ctx, cfg, res, log)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)

	meterProvider, metricHandler, err := initMetrics(res)
	if err != nil {
		return nil, err
	}

	otel.SetMeterProvider(meterProvider)

	metrics, err := NewMetrics(meterProvider.Meter(serviceName))
	if err != nil {
		return nil, err
	}

	tel := &Telemetry{
		Metrics:       metrics,
		log:           log,
		admin:         nil,
		ready:         atomic.Bool{},
		adminDone:     sync.WaitGroup{},
		tracerClose:   tracerClose,
		meterProvider: meterProvider,
	}

	if cfg.AdminAddr != "" {
		tel.admin = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           tel.adminMux(metricHandler),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	return tel, nil
}

func initTracer(
	ctx context.Context,
	cfg Config,
	res *resource.Resource,
	log *logger.Logger,
) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}

		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)

		log.Info(logTracesOTLP, endpoint)

		return provider, provider.Shutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	log.Info(logTracesStdout)

	return provider, provider.Shutdown, nil
}

func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	return provider, promhttp.Handler(), nil
}

func (t *Telemetry) adminMux(metricHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)

	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	return mux
}

func (t *Telemetry) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *Telemetry) handleReady(w http.ResponseWriter, _ *http.Request) {
	if t.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Start launches the admin server, when configured.
func (t *Telemetry) Start() {
	if t.admin == nil {
		return
	}

	t.adminDone.Add(1)

	go func() {
		defer t.adminDone.Done()

		err := t.admin.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error(logAdminFailed, err)
		}
	}()

	t.log.Info(logAdminUp, t.admin.Addr)
}

// SetReady flips what /readyz reports.
func (t *Telemetry) SetReady(ready bool) {
	t.ready.Store(ready)
}

// Shutdown stops the admin server and flushes the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error

	if t.admin != nil {
		err := t.admin.Shutdown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin server: %w", err))
		}

		t.adminDone.Wait()
	}

	if t.meterProvider != nil {
		err := t.meterProvider.Shutdown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}

	if t.tracerClose != nil {
		err := t.tracerClose(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Metrics is the counter bundle the pipeline records against. A nil Metrics
// is valid and records nothing.
type Metrics struct {
	requests  metric.Int64Counter
	chunks    metric.Int64Counter
	failures  metric.Int64Counter
	synthesis metric.Float64Histogram
}

// NewMetrics registers the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("narrator.requests",
		metric.WithDescription("Narration requests handled"))
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}

	chunks, err := meter.Int64Counter("narrator.chunks",
		metric.WithDescription("Text chunks synthesized"))
	if err != nil {
		return nil, fmt.Errorf("create chunks counter: %w", err)
	}

	failures, err := meter.Int64Counter("narrator.failures",
		metric.WithDescription("Narration failures by stage"))
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	synthesis, err := meter.Float64Histogram("narrator.synthesis.duration",
		metric.WithDescription("End-to-end generation time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create synthesis histogram: %w", err)
	}

	return &Metrics{
		requests:  requests,
		chunks:    chunks,
		failures:  failures,
		synthesis: synthesis,
	}, nil
}

// RecordSuccess counts one completed request with its chunk count and
// duration.
func (m *Metrics) RecordSuccess(ctx context.Context, modelKey string, chunkCount int, elapsed time.Duration) {
	if m == nil {
		return
	}

	model := attribute.String("model", modelKey)

	m.requests.Add(ctx, 1, metric.WithAttributes(model))
	m.chunks.Add(ctx, int64(chunkCount), metric.WithAttributes(model))
	m.synthesis.Record(ctx, elapsed.Seconds(), metric.WithAttributes(model))
}

// RecordFailure counts one failed request tagged with its pipeline stage.
func (m *Metrics) RecordFailure(ctx context.Context, modelKey string, stage core.Stage) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("model", modelKey),
		attribute.String("stage", string(stage)),
	)

	m.requests.Add(ctx, 1, attrs)
	m.failures.Add(ctx, 1, attrs)
}
