package tts

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// SpeedFactor adjusts speaking rate (0.25–4.0, 0 or 1.0 = default). Backends
	// without rate control ignore it.
	SpeedFactor float64 `json:"speed_factor,omitempty" yaml:"speed_factor,omitempty"`

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}
