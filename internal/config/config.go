// Package config defines the narrator service configuration, loaded as TOML
// through the central configurator. Zero-valued knobs take the documented
// defaults, so a minimal file only names the bus and the model catalog.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/cleaner"
	"github.com/book-expert/narrator-service/internal/ledger"
	"github.com/book-expert/narrator-service/internal/protocol"
	"github.com/book-expert/narrator-service/internal/telemetry"
	"github.com/book-expert/narrator-service/internal/textnorm"
)

// Defaults for zero-valued knobs.
const (
	DefaultChunkBudget         = 230
	DefaultWorkers             = 10
	DefaultSynthesisTimeoutSec = 120
	DefaultMessageTimeoutSec   = 600
	DefaultTextBucket          = "narrator-texts"
	DefaultAudioBucket         = "narrator-audio"
)

var (
	// ErrNoCatalog means the models section names no catalog file.
	ErrNoCatalog = errors.New("models catalog_path is required")
	// ErrNoBus means neither a NATS URL nor the embedded bus is
	// configured.
	ErrNoBus = errors.New("nats url is required unless the embedded bus is enabled")
)

// NATSConfig wires the message bus: where to connect (or whether to embed a
// server), the three speech subjects, and the two object buckets.
type NATSConfig struct {
	URL                   string `toml:"url"`
	Embedded              bool   `toml:"embedded"`
	EmbeddedHost          string `toml:"embedded_host"`
	EmbeddedPort          int    `toml:"embedded_port"`
	EmbeddedStoreDir      string `toml:"embedded_store_dir"`
	RequestedSubject      string `toml:"requested_subject"`
	GeneratedSubject      string `toml:"generated_subject"`
	FailedSubject         string `toml:"failed_subject"`
	TextBucket            string `toml:"text_bucket"`
	AudioBucket           string `toml:"audio_bucket"`
	MessageTimeoutSeconds int    `toml:"message_timeout_seconds"`
}

// MessageTimeout is the per-job budget as a duration.
func (c NATSConfig) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutSeconds) * time.Second
}

// GenerationConfig bounds the synthesis pipeline.
type GenerationConfig struct {
	ChunkBudget             int              `toml:"chunk_budget"`
	Workers                 int              `toml:"workers"`
	SynthesisTimeoutSeconds int              `toml:"synthesis_timeout_seconds"`
	ProbeAttempts           int              `toml:"probe_attempts"`
	ProbeDelayMs            int              `toml:"probe_delay_ms"`
	ProbeTimeoutSeconds     int              `toml:"probe_timeout_seconds"`
	Normalize               textnorm.Options `toml:"normalize"`
}

// SynthesisTimeout is the per-chunk synthesis budget as a duration.
func (c GenerationConfig) SynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutSeconds) * time.Second
}

// ProbeDelay is the pause between readiness probes as a duration.
func (c GenerationConfig) ProbeDelay() time.Duration {
	return time.Duration(c.ProbeDelayMs) * time.Millisecond
}

// ProbeTimeout is the per-probe budget as a duration.
func (c GenerationConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ModelsConfig locates the YAML model catalog.
type ModelsConfig struct {
	CatalogPath string `toml:"catalog_path"`
}

// ChunkerConfig wires the optional external sentence splitter.
type ChunkerConfig struct {
	SentenceCommand       string `toml:"sentence_command"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
}

// CommandTimeout is the splitter's budget as a duration.
func (c ChunkerConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// CleanerConfig wires the optional external audio cleaner. The embedded
// options carry the pass knobs (silence_ms, crossfade_ms, normalize, tempo).
type CleanerConfig struct {
	Command               string `toml:"command"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
	ApplySpeed            bool   `toml:"apply_speed"`

	cleaner.Options
}

// CommandTimeout is the cleaner's budget as a duration.
func (c CleanerConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// SentryConfig enables error reporting when a DSN is set.
type SentryConfig struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// PathsConfig holds filesystem roots.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Generation GenerationConfig `toml:"generation"`
	Models     ModelsConfig     `toml:"models"`
	Chunker    ChunkerConfig    `toml:"chunker"`
	Cleaner    CleanerConfig    `toml:"cleaner"`
	Ledger     ledger.Config    `toml:"ledger"`
	Telemetry  telemetry.Config `toml:"telemetry"`
	Sentry     SentryConfig     `toml:"sentry"`
	Paths      PathsConfig      `toml:"paths"`
}

// ApplyDefaults fills every zero-valued knob that has a documented default.
func (c *Config) ApplyDefaults() {
	if c.NATS.RequestedSubject == "" {
		c.NATS.RequestedSubject = protocol.DefaultRequestedSubject
	}

	if c.NATS.GeneratedSubject == "" {
		c.NATS.GeneratedSubject = protocol.DefaultGeneratedSubject
	}

	if c.NATS.FailedSubject == "" {
		c.NATS.FailedSubject = protocol.DefaultFailedSubject
	}

	if c.NATS.TextBucket == "" {
		c.NATS.TextBucket = DefaultTextBucket
	}

	if c.NATS.AudioBucket == "" {
		c.NATS.AudioBucket = DefaultAudioBucket
	}

	if c.NATS.MessageTimeoutSeconds <= 0 {
		c.NATS.MessageTimeoutSeconds = DefaultMessageTimeoutSec
	}

	if c.Generation.ChunkBudget <= 0 {
		c.Generation.ChunkBudget = DefaultChunkBudget
	}

	if c.Generation.Workers <= 0 {
		c.Generation.Workers = DefaultWorkers
	}

	if c.Generation.SynthesisTimeoutSeconds <= 0 {
		c.Generation.SynthesisTimeoutSeconds = DefaultSynthesisTimeoutSec
	}
}

// Validate checks the loaded configuration for the daemon's needs.
func (c *Config) Validate() error {
	if c.Models.CatalogPath == "" {
		return ErrNoCatalog
	}

	if c.NATS.URL == "" && !c.NATS.Embedded {
		return ErrNoBus
	}

	err := c.Cleaner.Options.Validate()
	if err != nil {
		return fmt.Errorf("cleaner options: %w", err)
	}

	return nil
}

// Load fetches the configuration through the central configurator, applies
// defaults, and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	return &cfg, nil
}
