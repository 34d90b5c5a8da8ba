package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Default session timing, matching the transcription backend's own defaults.
const (
	DefaultEndpointingMS  = 300
	DefaultUtteranceEndMS = 1000
	DefaultLanguage       = "en-US"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram"},
	"tts":   {"elevenlabs"},
	"audio": {"meet"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued session timing fields.
func applyDefaults(cfg *Config) {
	if cfg.Session.Language == "" {
		cfg.Session.Language = DefaultLanguage
	}
	if cfg.Session.EndpointingMS == 0 {
		cfg.Session.EndpointingMS = DefaultEndpointingMS
	}
	if cfg.Session.UtteranceEndMS == 0 {
		cfg.Session.UtteranceEndMS = DefaultUtteranceEndMS
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; speech will only be matched locally and the automated side will always need repair")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the session will be silent")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; moves can only arrive over the side channel")
	}

	// Session timing
	if cfg.Session.EndpointingMS < 0 {
		errs = append(errs, fmt.Errorf("session.endpointing_ms %d is negative", cfg.Session.EndpointingMS))
	}
	if cfg.Session.UtteranceEndMS < 0 {
		errs = append(errs, fmt.Errorf("session.utterance_end_ms %d is negative", cfg.Session.UtteranceEndMS))
	}
	if cfg.Session.EndpointingMS > 0 && cfg.Session.UtteranceEndMS > 0 &&
		cfg.Session.UtteranceEndMS < cfg.Session.EndpointingMS {
		errs = append(errs, fmt.Errorf("session.utterance_end_ms %d is shorter than session.endpointing_ms %d",
			cfg.Session.UtteranceEndMS, cfg.Session.EndpointingMS))
	}

	// Voice
	voice := cfg.Session.Voice
	if voice.Stability < 0 || voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("session.voice.stability %.2f is out of range [0, 1]", voice.Stability))
	}
	if voice.SimilarityBoost < 0 || voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("session.voice.similarity_boost %.2f is out of range [0, 1]", voice.SimilarityBoost))
	}
	if voice.SpeedFactor != 0 {
		if voice.SpeedFactor < 0.5 || voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", voice.SpeedFactor))
		}
	}

	// Voice provider ↔ TTS provider cross-validation
	if voice.Provider != "" && cfg.Providers.TTS.Name != "" && voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("session voice provider does not match configured TTS provider",
			"voice_provider", voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
