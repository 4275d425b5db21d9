// Package registry tracks which speech models are loaded, builds their
// engines on first use, and owns the notion of a default model. All mutation
// goes through one lock; loaded models are handed out by reference and their
// engines are safe to share.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/prober"
)

const (
	logModelLoaded     = "Model '%s' loaded (engine %s, %d voice(s))"
	logModelUnloaded   = "Model '%s' unloaded"
	logDefaultPromoted = "Model '%s' promoted to default"
	logEngineCloseErr  = "Closing engine for model '%s' failed: %v"
)

// Factory builds a live engine from a model descriptor. The registry never
// inspects engine identity beyond this call.
type Factory func(desc ModelDescriptor) (core.Engine, error)

// LoadedModel binds a ready engine to its descriptor, with the voice catalog
// captured at load time and the readiness timestamp.
type LoadedModel struct {
	Descriptor ModelDescriptor
	Engine     core.Engine
	Voices     []core.Voice
	ReadyAt    time.Time
}

// Registry is the single owner of model lifecycle state.
type Registry struct {
	mu         sync.RWMutex
	factory    Factory
	probe      *prober.Prober
	log        *logger.Logger
	models     map[string]*LoadedModel
	defaultKey string
}

// New creates an empty Registry.
func New(factory Factory, probe *prober.Prober, log *logger.Logger) *Registry {
	return &Registry{
		factory: factory,
		probe:   probe,
		log:     log,
		models:  make(map[string]*LoadedModel),
	}
}

// Load builds, probes, and registers the model for desc, or returns the
// already-loaded instance for the same key without re-initializing anything.
// The first successful load, or any load with setDefault, becomes the
// default. A model whose engine never becomes ready is not registered.
func (r *Registry) Load(ctx context.Context, desc ModelDescriptor, setDefault bool) (*LoadedModel, error) {
	err := desc.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate descriptor: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.models[desc.Key]; ok {
		if setDefault {
			r.promoteLocked(desc.Key)
		}

		return existing, nil
	}

	engine, err := r.factory(desc)
	if err != nil {
		return nil, fmt.Errorf("create engine for model %q: %w", desc.Key, err)
	}

	err = r.probe.WaitReady(ctx, engine)
	if err != nil {
		closeErr := engine.Close()
		if closeErr != nil {
			r.log.Warn(logEngineCloseErr, desc.Key, closeErr)
		}

		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	model := &LoadedModel{
		Descriptor: desc,
		Engine:     engine,
		Voices:     r.probe.Voices(ctx, engine, desc.FallbackVoices()),
		ReadyAt:    time.Now(),
	}

	r.models[desc.Key] = model
	r.log.Info(logModelLoaded, desc.Key, desc.Engine, len(model.Voices))

	if setDefault || r.defaultKey == "" {
		r.promoteLocked(desc.Key)
	}

	return model, nil
}

// Unload closes and removes the model for key. It reports whether anything
// was removed. If the default model is unloaded, an arbitrary remaining model
// is promoted in its place.
func (r *Registry) Unload(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.models[key]
	if !ok {
		return false
	}

	err := model.Engine.Close()
	if err != nil {
		r.log.Warn(logEngineCloseErr, key, err)
	}

	delete(r.models, key)
	r.log.Info(logModelUnloaded, key)

	if r.defaultKey == key {
		r.defaultKey = ""

		for remaining := range r.models {
			r.promoteLocked(remaining)

			break
		}
	}

	return true
}

// Resolve returns the model for key, or the default model when key is empty.
func (r *Registry) Resolve(key string) (*LoadedModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key == "" {
		if r.defaultKey == "" {
			return nil, core.ErrNoDefaultModel
		}

		key = r.defaultKey
	}

	model, ok := r.models[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrModelNotLoaded, key)
	}

	return model, nil
}

// DefaultKey returns the current default model key, or empty when no model
// is loaded.
func (r *Registry) DefaultKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.defaultKey
}

// Keys lists the loaded model keys in stable order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.models))
	for key := range r.models {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Close unloads every model. The last close error wins; all of them are
// logged.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error

	for key, model := range r.models {
		err := model.Engine.Close()
		if err != nil {
			r.log.Warn(logEngineCloseErr, key, err)
			lastErr = fmt.Errorf("close engine for model %q: %w", key, err)
		}

		delete(r.models, key)
	}

	r.defaultKey = ""

	return lastErr
}

// promoteLocked sets the default key. Callers hold the write lock.
func (r *Registry) promoteLocked(key string) {
	if r.defaultKey == key {
		return
	}

	r.defaultKey = key
	r.log.Info(logDefaultPromoted, key)
}
