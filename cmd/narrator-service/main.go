// Narrator service daemon. Loads the model catalog, connects to the message
// bus, and serves narration requests until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/cleaner"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/engine"
	"github.com/book-expert/narrator-service/internal/ledger"
	"github.com/book-expert/narrator-service/internal/natsserver"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/book-expert/narrator-service/internal/prober"
	"github.com/book-expert/narrator-service/internal/registry"
	"github.com/book-expert/narrator-service/internal/scheduler"
	"github.com/book-expert/narrator-service/internal/telemetry"
	"github.com/book-expert/narrator-service/internal/worker"
)

const (
	serviceLogFile   = "narrator-service.log"
	bootstrapLogFile = "narrator-service-bootstrap.log"

	textBucketDescription  = "Narration source texts"
	audioBucketDescription = "Finished narration audio"

	sentryFlushTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second

	logReady = "Narrator service ready. Listening on %s."
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return fmt.Errorf("create bootstrap logger: %w", err)
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create service logger: %v", err)

		return fmt.Errorf("create service logger: %w", err)
	}

	defer closeLogger(log)

	if cfg.Sentry.DSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		})
		if err != nil {
			log.Warn("Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(sentryFlushTimeout)
		}
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires every component together and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	tel, err := telemetry.Setup(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}

	tel.Start()

	defer shutdownTelemetry(tel, log)

	conn, embedded, err := connectBus(cfg.NATS, log)
	if err != nil {
		return err
	}

	defer embedded.Shutdown()
	defer conn.Close()

	js, err := conn.JetStream()
	if err != nil {
		return fmt.Errorf("open jetstream context: %w", err)
	}

	texts, err := objectstore.New(js, cfg.NATS.TextBucket, textBucketDescription)
	if err != nil {
		return fmt.Errorf("open text bucket: %w", err)
	}

	audio, err := objectstore.New(js, cfg.NATS.AudioBucket, audioBucketDescription)
	if err != nil {
		return fmt.Errorf("open audio bucket: %w", err)
	}

	led, err := ledger.Open(ctx, cfg.Ledger, log)
	if err != nil {
		return fmt.Errorf("open job ledger: %w", err)
	}

	defer closeLedger(led, log)

	reg, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer closeRegistry(reg, log)

	gen, err := buildPipeline(cfg, reg, led, tel.Metrics, log)
	if err != nil {
		return err
	}

	runner := worker.New(conn, worker.Config{
		RequestedSubject: cfg.NATS.RequestedSubject,
		GeneratedSubject: cfg.NATS.GeneratedSubject,
		FailedSubject:    cfg.NATS.FailedSubject,
		MessageTimeout:   cfg.NATS.MessageTimeout(),
	}, texts, audio, gen, log)

	tel.SetReady(true)
	log.System(logReady, cfg.NATS.RequestedSubject)

	err = runner.Run(ctx)

	tel.SetReady(false)

	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	return nil
}

// connectBus starts the embedded server when configured and dials the bus.
// The returned server is nil unless embedding is enabled.
func connectBus(
	cfg config.NATSConfig,
	log *logger.Logger,
) (*nats.Conn, *natsserver.Server, error) {
	var embedded *natsserver.Server

	url := cfg.URL

	if cfg.Embedded {
		srv, err := natsserver.Start(natsserver.Config{
			Host:     cfg.EmbeddedHost,
			Port:     cfg.EmbeddedPort,
			StoreDir: cfg.EmbeddedStoreDir,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded bus: %w", err)
		}

		embedded = srv
		if url == "" {
			url = srv.ClientURL()
		}
	}

	conn, err := nats.Connect(url)
	if err != nil {
		embedded.Shutdown()

		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return conn, embedded, nil
}

// buildRegistry loads the model catalog and probes every configured model
// before the worker accepts its first request.
func buildRegistry(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
) (*registry.Registry, error) {
	catalog, err := registry.LoadCatalog(cfg.Models.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}

	probe := prober.New(prober.Config{
		MaxAttempts:    cfg.Generation.ProbeAttempts,
		Delay:          cfg.Generation.ProbeDelay(),
		AttemptTimeout: cfg.Generation.ProbeTimeout(),
	}, log)

	reg := registry.New(engine.Factory(log), probe, log)

	for _, desc := range catalog.Models {
		_, err = reg.Load(ctx, desc, desc.Key == catalog.Default)
		if err != nil {
			closeRegistry(reg, log)

			return nil, fmt.Errorf("preload model %s: %w", desc.Key, err)
		}
	}

	return reg, nil
}

func buildPipeline(
	cfg *config.Config,
	reg *registry.Registry,
	led *ledger.Ledger,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) (*pipeline.Generator, error) {
	var delegate chunker.Delegate

	if cfg.Chunker.SentenceCommand != "" {
		cmd, err := chunker.Command(
			cfg.Chunker.SentenceCommand,
			cfg.Chunker.CommandTimeout(),
		)
		if err != nil {
			return nil, fmt.Errorf("configure sentence splitter: %w", err)
		}

		delegate = cmd
	}

	var clean cleaner.Func

	if cfg.Cleaner.Command != "" {
		cl, err := cleaner.New(cfg.Cleaner.Command, cfg.Cleaner.CommandTimeout(), log)
		if err != nil {
			return nil, fmt.Errorf("configure audio cleaner: %w", err)
		}

		clean = cl.Clean
	}

	deps := pipeline.Deps{
		Registry: reg,
		Chunker:  chunker.New(cfg.Generation.ChunkBudget, delegate, log),
		Scheduler: scheduler.New(scheduler.Config{
			Workers:          cfg.Generation.Workers,
			SynthesisTimeout: cfg.Generation.SynthesisTimeout(),
		}, log),
		Clean:        clean,
		CleanOptions: cfg.Cleaner.Options,
		ApplySpeed:   cfg.Cleaner.ApplySpeed,
		Normalize:    cfg.Generation.Normalize,
		Ledger:       led,
		Metrics:      metrics,
	}

	return pipeline.New(deps, log), nil
}

func setupLogger(logDir, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logDir, fileName)
	if err != nil {
		return nil, fmt.Errorf("create logger in %s: %w", logDir, err)
	}

	return log, nil
}

func closeLogger(log *logger.Logger) {
	err := log.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
}

func closeLedger(led *ledger.Ledger, log *logger.Logger) {
	err := led.Close()
	if err != nil {
		log.Warn("Failed to close ledger: %v", err)
	}
}

func closeRegistry(reg *registry.Registry, log *logger.Logger) {
	err := reg.Close()
	if err != nil {
		log.Warn("Failed to close model registry: %v", err)
	}
}

func shutdownTelemetry(tel *telemetry.Telemetry, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := tel.Shutdown(ctx)
	if err != nil {
		log.Warn("Telemetry shutdown: %v", err)
	}
}
