// Package engine maps model descriptors onto concrete speech backends. The
// registry stays ignorant of engine families; this package owns the kind
// switch and the per-family settings.
package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/engine/httpsynth"
	"github.com/book-expert/narrator-service/internal/engine/piper"
	"github.com/book-expert/narrator-service/internal/engine/speechkit"
	"github.com/book-expert/narrator-service/internal/engine/tone"
	"github.com/book-expert/narrator-service/internal/registry"
)

// Engine kinds a model descriptor may name.
const (
	KindHTTP      = "http"
	KindSpeechKit = "speechkit"
	KindPiper     = "piper"
	KindTone      = "tone"
)

// Descriptor setting names shared by the engine builders.
const (
	settingBaseURL    = "base_url"
	settingTimeout    = "timeout"
	settingEndpoint   = "endpoint"
	settingAPIKeyEnv  = "api_key_env"
	settingFolderID   = "folder_id"
	settingModel      = "model"
	settingBinaryPath = "binary_path"
	settingModelPath  = "model_path"
	settingSampleRate = "sample_rate"
	settingChannels   = "channels"

	defaultAPIKeyEnv = "SPEECHKIT_API_KEY"
)

// Static errors.
var (
	ErrUnknownKind    = errors.New("unknown engine kind")
	ErrMissingBaseURL = errors.New("http engine needs a base_url setting")
)

// Factory covers every built-in engine kind. Plug it into registry.New.
func Factory(log *logger.Logger) registry.Factory {
	return func(desc registry.ModelDescriptor) (core.Engine, error) {
		switch desc.Engine {
		case KindHTTP:
			return buildHTTP(desc, log)
		case KindSpeechKit:
			return buildSpeechKit(desc, log)
		case KindPiper:
			return buildPiper(desc, log)
		case KindTone:
			return buildTone(desc, log)
		default:
			return nil, fmt.Errorf("model %q: %w: %q", desc.Key, ErrUnknownKind, desc.Engine)
		}
	}
}

func buildHTTP(desc registry.ModelDescriptor, log *logger.Logger) (core.Engine, error) {
	baseURL := desc.Setting(settingBaseURL, "")
	if baseURL == "" {
		return nil, fmt.Errorf("model %q: %w", desc.Key, ErrMissingBaseURL)
	}

	timeout, err := durationSetting(desc, settingTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	return httpsynth.New(httpsynth.Config{
		BaseURL: baseURL,
		Timeout: timeout,
	}, log), nil
}

// buildSpeechKit reads the API key from the environment variable the
// descriptor names, so the catalog file never carries a secret.
func buildSpeechKit(desc registry.ModelDescriptor, log *logger.Logger) (core.Engine, error) {
	keyEnv := desc.Setting(settingAPIKeyEnv, defaultAPIKeyEnv)

	built, err := speechkit.New(speechkit.Config{
		Endpoint: desc.Setting(settingEndpoint, ""),
		APIKey:   os.Getenv(keyEnv),
		FolderID: desc.Setting(settingFolderID, ""),
		Model:    desc.Setting(settingModel, ""),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	return built, nil
}

func buildPiper(desc registry.ModelDescriptor, log *logger.Logger) (core.Engine, error) {
	sampleRate, err := intSetting(desc, settingSampleRate, 0)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	channels, err := intSetting(desc, settingChannels, 0)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	built, err := piper.New(piper.Config{
		BinaryPath: desc.Setting(settingBinaryPath, ""),
		ModelPath:  desc.Setting(settingModelPath, ""),
		Language:   desc.Language,
		SampleRate: sampleRate,
		Channels:   channels,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	return built, nil
}

func buildTone(desc registry.ModelDescriptor, log *logger.Logger) (core.Engine, error) {
	sampleRate, err := intSetting(desc, settingSampleRate, 0)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", desc.Key, err)
	}

	return tone.New(tone.Config{SampleRate: sampleRate}, log), nil
}

func intSetting(desc registry.ModelDescriptor, name string, fallback int) (int, error) {
	raw := desc.Setting(name, "")
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", name, err)
	}

	return value, nil
}

func durationSetting(
	desc registry.ModelDescriptor,
	name string,
	fallback time.Duration,
) (time.Duration, error) {
	raw := desc.Setting(name, "")
	if raw == "" {
		return fallback, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", name, err)
	}

	return value, nil
}
