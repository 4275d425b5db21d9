// Narrator CLI. Runs the narration pipeline in-process against the configured
// model catalog, without going through the message bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"

	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/cleaner"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/engine"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/book-expert/narrator-service/internal/prober"
	"github.com/book-expert/narrator-service/internal/registry"
	"github.com/book-expert/narrator-service/internal/scheduler"
)

// Flag names.
const (
	flagText       = "text"
	flagFile       = "file"
	flagModel      = "model"
	flagVoice      = "voice"
	flagLanguage   = "language"
	flagSpeed      = "speed"
	flagOutput     = "output"
	flagHealth     = "health"
	flagListModels = "list-models"
)

// Flag descriptions.
const (
	flagTextDesc       = "Text to narrate"
	flagFileDesc       = "File containing the text to narrate"
	flagModelDesc      = "Model key from the catalog (defaults to the catalog default)"
	flagVoiceDesc      = "Voice override"
	flagLanguageDesc   = "Language override, for example en-US"
	flagSpeedDesc      = "Speaking speed override (0.5 to 2.0)"
	flagOutputDesc     = "Output file path (.wav)"
	flagHealthDesc     = "Probe the selected model and exit"
	flagListModelsDesc = "List catalog models and exit"
)

const (
	cliLogFile       = "narrator-cli.log"
	bootstrapLogFile = "narrator-cli-bootstrap.log"

	defaultOutputFile = "narration.wav"
	outputFileMode    = 0o644

	msgModelReady = "Model %s is ready.\n"
	msgGenerated  = "Generated: %s (%d bytes, %d chunks, %d ms)\n"
)

var (
	errNoText   = errors.New("either --text or --file must be provided")
	errBothText = errors.New("cannot specify both --text and --file")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text       string
	file       string
	model      string
	voice      string
	language   string
	speed      float64
	output     string
	health     bool
	listModels bool
}

func main() {
	err := run()
	if err != nil {
		// The file logger may not exist yet, so report through stdlib log.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	_ = godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logg, err := setupLogger(cfg.Paths.BaseLogsDir, cliLogFile)
	if err != nil {
		return err
	}
	defer closeLogger(logg)

	catalog, err := registry.LoadCatalog(cfg.Models.CatalogPath)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}

	if flags.listModels {
		listModels(catalog)

		return nil
	}

	text, err := resolveText(flags)
	if err != nil && !flags.health {
		flag.Usage()

		return err
	}

	return execute(cfg, catalog, flags, text, logg)
}

// execute loads the selected model and either reports its health or narrates
// the resolved text to the output file.
func execute(
	cfg *config.Config,
	catalog registry.Catalog,
	flags appFlags,
	text string,
	logg *logger.Logger,
) error {
	desc, err := selectModel(catalog, flags.model)
	if err != nil {
		return err
	}

	ctx := context.Background()

	reg, err := loadModel(ctx, cfg, desc, logg)
	if err != nil {
		return err
	}
	defer closeRegistry(reg, logg)

	if flags.health {
		fmt.Printf(msgModelReady, desc.Key)

		return nil
	}

	gen, err := buildPipeline(cfg, reg, logg)
	if err != nil {
		return err
	}

	result, err := gen.Generate(ctx, core.GenerationRequest{
		Text:     text,
		ModelKey: desc.Key,
		Params: core.SynthesisParams{
			Voice:    flags.voice,
			Language: flags.language,
			Speed:    flags.speed,
		},
	})
	if err != nil {
		return fmt.Errorf("narrate: %w", err)
	}

	output := flags.output
	if output == "" {
		output = defaultOutputFile
	}

	err = os.WriteFile(output, result.Audio, outputFileMode)
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}

	fmt.Printf(
		msgGenerated,
		output,
		len(result.Audio),
		result.ChunkCount,
		result.GenerationTimeMs,
	)

	return nil
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.file, flagFile, "", flagFileDesc)
	flag.StringVar(&flags.model, flagModel, "", flagModelDesc)
	flag.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flag.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flag.Float64Var(&flags.speed, flagSpeed, 0, flagSpeedDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.BoolVar(&flags.listModels, flagListModels, false, flagListModelsDesc)
	flag.Parse()

	return flags
}

// resolveText returns the narration text from --text or --file. Exactly one
// of the two must be set.
func resolveText(flags appFlags) (string, error) {
	if flags.text != "" && flags.file != "" {
		return "", errBothText
	}

	if flags.text != "" {
		return flags.text, nil
	}

	if flags.file == "" {
		return "", errNoText
	}

	data, err := os.ReadFile(flags.file)
	if err != nil {
		return "", fmt.Errorf("read text file: %w", err)
	}

	return string(data), nil
}

// selectModel finds the requested model in the catalog, falling back to the
// catalog default when no key was given.
func selectModel(catalog registry.Catalog, key string) (registry.ModelDescriptor, error) {
	if key == "" {
		key = catalog.Default
	}

	for _, desc := range catalog.Models {
		if desc.Key == key {
			return desc, nil
		}
	}

	return registry.ModelDescriptor{}, fmt.Errorf("%w: %s", core.ErrModelNotLoaded, key)
}

func listModels(catalog registry.Catalog) {
	for _, desc := range catalog.Models {
		marker := " "
		if desc.Key == catalog.Default {
			marker = "*"
		}

		fmt.Printf(
			"%s %-18s engine=%s language=%s voice=%s\n",
			marker,
			desc.Key,
			desc.Engine,
			desc.Language,
			desc.Voice,
		)
	}
}

// loadModel builds a registry holding just the selected model. Loading probes
// the backend, so a successful return means the model is ready to synthesize.
func loadModel(
	ctx context.Context,
	cfg *config.Config,
	desc registry.ModelDescriptor,
	logg *logger.Logger,
) (*registry.Registry, error) {
	probe := prober.New(prober.Config{
		MaxAttempts:    cfg.Generation.ProbeAttempts,
		Delay:          cfg.Generation.ProbeDelay(),
		AttemptTimeout: cfg.Generation.ProbeTimeout(),
	}, logg)

	reg := registry.New(engine.Factory(logg), probe, logg)

	_, err := reg.Load(ctx, desc, true)
	if err != nil {
		closeRegistry(reg, logg)

		return nil, fmt.Errorf("load model %s: %w", desc.Key, err)
	}

	return reg, nil
}

func buildPipeline(
	cfg *config.Config,
	reg *registry.Registry,
	logg *logger.Logger,
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
		cl, err := cleaner.New(cfg.Cleaner.Command, cfg.Cleaner.CommandTimeout(), logg)
		if err != nil {
			return nil, fmt.Errorf("configure audio cleaner: %w", err)
		}

		clean = cl.Clean
	}

	deps := pipeline.Deps{
		Registry: reg,
		Chunker:  chunker.New(cfg.Generation.ChunkBudget, delegate, logg),
		Scheduler: scheduler.New(scheduler.Config{
			Workers:          cfg.Generation.Workers,
			SynthesisTimeout: cfg.Generation.SynthesisTimeout(),
		}, logg),
		Clean:        clean,
		CleanOptions: cfg.Cleaner.Options,
		ApplySpeed:   cfg.Cleaner.ApplySpeed,
		Normalize:    cfg.Generation.Normalize,
	}

	return pipeline.New(deps, logg), nil
}

func setupLogger(logDir, fileName string) (*logger.Logger, error) {
	logg, err := logger.New(logDir, fileName)
	if err != nil {
		return nil, fmt.Errorf("create logger in %s: %w", logDir, err)
	}

	return logg, nil
}

func closeLogger(logg *logger.Logger) {
	err := logg.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
}

func closeRegistry(reg *registry.Registry, logg *logger.Logger) {
	err := reg.Close()
	if err != nil {
		logg.Warn("Failed to close model registry: %v", err)
	}
}
