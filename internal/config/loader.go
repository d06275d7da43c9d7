package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv maps provider names to the environment variable consulted when
// provider.api_key is empty.
var APIKeyEnv = map[string]string{
	ProviderGemini: "GEMINI_API_KEY",
	ProviderOpenAI: "OPENAI_API_KEY",
}

// KnownVoices lists the prebuilt voices per provider. Used by [Validate] to
// warn about unrecognised voice names.
var KnownVoices = map[string][]string{
	ProviderGemini: {"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede"},
	ProviderOpenAI: {"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if cfg.Provider.APIKey == "" {
		if env, ok := APIKeyEnv[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Unknown provider or voice names only log a warning.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		errs = append(errs, errors.New("log rotation limits must not be negative"))
	}

	// Provider
	if cfg.Provider.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.connect_timeout %s must not be negative", cfg.Provider.ConnectTimeout))
	}
	if cfg.Provider.MaxConnectFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.max_connect_failures %d must not be negative", cfg.Provider.MaxConnectFailures))
	}
	if cfg.Provider.FailureCooldown < 0 {
		errs = append(errs, fmt.Errorf("provider.failure_cooldown %s must not be negative", cfg.Provider.FailureCooldown))
	}
	if _, known := KnownVoices[cfg.Provider.Name]; !known && cfg.Provider.Name != "" {
		slog.Warn("unknown provider name; it must be registered by the caller",
			"name", cfg.Provider.Name,
		)
	}
	validateVoice(cfg.Provider.Name, cfg.Session.Voice)

	// Audio
	a := cfg.Audio
	if a.InputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_rate %d must not be negative", a.InputRate))
	}
	if a.OutputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must not be negative", a.OutputRate))
	}
	if a.BlockFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.block_frames %d must not be negative", a.BlockFrames))
	}
	if a.OutputChannels != 0 && a.OutputChannels != 1 && a.OutputChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is invalid; valid values: 1, 2", a.OutputChannels))
	}
	if a.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must not be negative", a.SendQueue))
	}
	if a.PlaybackBufferMs < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_buffer_ms %d must not be negative", a.PlaybackBufferMs))
	}

	return errors.Join(errs...)
}

// validateVoice logs a warning if voice is non-empty and not a known voice of
// provider.
func validateVoice(provider, voice string) {
	if voice == "" {
		return
	}
	known, ok := KnownVoices[provider]
	if !ok || slices.Contains(known, voice) {
		return
	}
	slog.Warn("unknown voice; the provider may reject it",
		"provider", provider,
		"voice", voice,
		"known", known,
	)
}
