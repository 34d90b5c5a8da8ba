// Package config provides the configuration schema, loader, file watcher,
// and provider registry for the GridTalk session server.
package config

// LogLevel controls log verbosity for the GridTalk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for GridTalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network and logging settings for the GridTalk server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes per-session speech and turn behaviour.
type SessionConfig struct {
	// Language is the transcription language hint (e.g., "en-US").
	Language string `yaml:"language"`

	// EndpointingMS is the baseline silence (milliseconds) before the
	// transcription backend declares an endpoint. Scaled per speaker by the
	// speech-rate estimate.
	EndpointingMS int `yaml:"endpointing_ms"`

	// UtteranceEndMS is the baseline gap (milliseconds) before the backend
	// declares an utterance finished. Scaled like EndpointingMS.
	UtteranceEndMS int `yaml:"utterance_end_ms"`

	// AllowBargeIn makes a new utterance interrupt in-flight voice output.
	// When false, new output queues behind whatever is playing.
	AllowBargeIn bool `yaml:"allow_barge_in"`

	// BoardContext gives the conversational reply path access to the
	// current board.
	BoardContext bool `yaml:"board_context"`

	// Voice configures the session narrator's TTS voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters for the session narrator.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Stability controls synthesis consistency in [0, 1]. 0 means provider default.
	Stability float64 `yaml:"stability"`

	// SimilarityBoost controls voice-reference adherence in [0, 1].
	// 0 means provider default.
	SimilarityBoost float64 `yaml:"similarity_boost"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}
