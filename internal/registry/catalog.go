package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/book-expert/narrator-service/internal/core"
)

// Catalog errors.
var (
	ErrNoModels        = errors.New("catalog declares no models")
	ErrDuplicateKey    = errors.New("duplicate model key")
	ErrUnknownDefault  = errors.New("catalog default names an undeclared model")
	ErrMissingKey      = errors.New("model key is required")
	ErrMissingEngine   = errors.New("model engine is required")
	ErrMissingLanguage = errors.New("model language is required")
)

// ModelDescriptor is the static configuration of one speech model: which
// engine family runs it, its language and default voice, the parameter
// defaults, and engine-specific settings such as a server URL or a voice
// model path. Descriptors are immutable once registered.
type ModelDescriptor struct {
	Key      string               `yaml:"key"`
	Engine   string               `yaml:"engine"`
	Language string               `yaml:"language"`
	Voice    string               `yaml:"voice"`
	Params   core.SynthesisParams `yaml:"params"`
	Settings map[string]string    `yaml:"settings"`
}

// Validate checks the fields every engine family needs.
func (d ModelDescriptor) Validate() error {
	if strings.TrimSpace(d.Key) == "" {
		return ErrMissingKey
	}

	if strings.TrimSpace(d.Engine) == "" {
		return fmt.Errorf("%w: model %q", ErrMissingEngine, d.Key)
	}

	if strings.TrimSpace(d.Language) == "" {
		return fmt.Errorf("%w: model %q", ErrMissingLanguage, d.Key)
	}

	err := d.Params.Validate()
	if err != nil {
		return fmt.Errorf("model %q params: %w", d.Key, err)
	}

	return nil
}

// Setting returns one engine-specific setting, or fallback when absent.
func (d ModelDescriptor) Setting(name, fallback string) string {
	if value, ok := d.Settings[name]; ok && value != "" {
		return value
	}

	return fallback
}

// FallbackVoices is the static capability list used when an engine cannot
// enumerate its voices: just the descriptor's own default voice.
func (d ModelDescriptor) FallbackVoices() []core.Voice {
	if d.Voice == "" {
		return nil
	}

	return []core.Voice{{
		ID:       d.Voice,
		Name:     d.Voice,
		Language: d.Language,
	}}
}

// Catalog is the on-disk model list. Default, when set, names the model to
// promote after loading; otherwise the first loaded model becomes default.
type Catalog struct {
	Default string            `yaml:"default"`
	Models  []ModelDescriptor `yaml:"models"`
}

// Validate checks the catalog as a whole: at least one model, unique keys,
// every descriptor valid, and a default that is actually declared.
func (c Catalog) Validate() error {
	if len(c.Models) == 0 {
		return ErrNoModels
	}

	seen := make(map[string]bool, len(c.Models))

	for _, model := range c.Models {
		err := model.Validate()
		if err != nil {
			return fmt.Errorf("validate model: %w", err)
		}

		if seen[model.Key] {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, model.Key)
		}

		seen[model.Key] = true
	}

	if c.Default != "" && !seen[c.Default] {
		return fmt.Errorf("%w: %q", ErrUnknownDefault, c.Default)
	}

	return nil
}

// LoadCatalog reads and validates a model catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var catalog Catalog

	err = yaml.Unmarshal(data, &catalog)
	if err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	err = catalog.Validate()
	if err != nil {
		return Catalog{}, fmt.Errorf("validate catalog: %w", err)
	}

	return catalog, nil
}
