package tts

// VoiceProfile describes a TTS voice configuration for the session narrator.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability controls synthesis consistency (0.0–1.0). Zero uses the
	// provider default.
	Stability float64

	// SimilarityBoost controls how closely output tracks the reference voice
	// (0.0–1.0). Zero uses the provider default.
	SimilarityBoost float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
