// Package prober decides whether a speech engine is ready to take work.
// Engines that load models at startup can take a while to answer their first
// health check, so readiness is a bounded retry loop with a fixed delay
// between attempts.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
)

const (
	defaultMaxAttempts    = 10
	defaultDelay          = 2 * time.Second
	defaultAttemptTimeout = 5 * time.Second

	logProbeFailed  = "Engine probe attempt %d/%d failed: %v"
	logProbeReady   = "Engine ready after %d probe attempt(s)"
	logVoicesFailed = "Voice listing failed, using static catalog: %v"
	logVoicesEmpty  = "Voice listing returned nothing, using static catalog"
)

// Config bounds the probe loop. The delay is fixed rather than exponential:
// engine startup time is roughly constant, so backoff growth buys nothing.
// Sleep is injectable for tests and defaults to time.Sleep.
type Config struct {
	MaxAttempts    int
	Delay          time.Duration
	AttemptTimeout time.Duration
	Sleep          func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}

	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}

	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}

	return c
}

// Prober runs bounded readiness checks against engines.
type Prober struct {
	cfg Config
	log *logger.Logger
}

// New creates a Prober; zero config fields take the package defaults.
func New(cfg Config, log *logger.Logger) *Prober {
	return &Prober{
		cfg: cfg.withDefaults(),
		log: log,
	}
}

// WaitReady probes the engine until it answers or the attempt budget runs
// out. Every failed attempt is logged with its cause and followed by the
// fixed delay. Exhaustion surfaces core.ErrBackendUnavailable; no synthesis
// should be attempted after that.
func (p *Prober) WaitReady(ctx context.Context, engine core.Engine) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("probe canceled: %w", ctx.Err())
		}

		lastErr = p.probeOnce(ctx, engine)
		if lastErr == nil {
			p.log.Info(logProbeReady, attempt)

			return nil
		}

		p.log.Warn(logProbeFailed, attempt, p.cfg.MaxAttempts, lastErr)

		if attempt < p.cfg.MaxAttempts {
			p.cfg.Sleep(p.cfg.Delay)
		}
	}

	return fmt.Errorf("%w after %d attempts: %v",
		core.ErrBackendUnavailable, p.cfg.MaxAttempts, lastErr)
}

// probeOnce runs a single health check under the short per-attempt timeout,
// which is independent of the much longer per-chunk synthesis timeout.
func (p *Prober) probeOnce(ctx context.Context, engine core.Engine) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	err := engine.Probe(attemptCtx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	return nil
}

// Voices fetches the engine's voice catalog once it is ready. The fetch is
// best-effort: any failure, or an empty answer, falls back to the static
// catalog and never demotes a ready engine.
func (p *Prober) Voices(ctx context.Context, engine core.Engine, fallback []core.Voice) []core.Voice {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	voices, err := engine.Voices(attemptCtx)
	if err != nil {
		p.log.Warn(logVoicesFailed, err)

		return fallback
	}

	if len(voices) == 0 {
		p.log.Warn(logVoicesEmpty)

		return fallback
	}

	return voices
}
