// Package config provides the configuration schema, loader, watcher, and
// provider registry for murmur.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/pkg/vad"
)

// LogLevel controls log verbosity for murmur.
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

// Level maps l onto a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InputKind selects where the voice activity detector reads audio from.
type InputKind string

const (
	// InputDefault captures from the system's default microphone.
	InputDefault InputKind = "default"

	// InputFile replays a WAV file in real time. Useful for demos and soak tests.
	InputFile InputKind = "file"
)

// IsValid reports whether k is a recognised input kind.
func (k InputKind) IsValid() bool {
	return k == InputDefault || k == InputFile
}

// OutputKind selects the playback sink.
type OutputKind string

const (
	// OutputPortAudio plays through the system's default output device.
	OutputPortAudio OutputKind = "portaudio"

	// OutputNull discards audio at real-time pace. Used headless and in tests.
	OutputNull OutputKind = "null"
)

// IsValid reports whether k is a recognised output kind.
func (k OutputKind) IsValid() bool {
	return k == OutputPortAudio || k == OutputNull
}

// Config is the root configuration structure for murmur.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	VAD          VADConfig       `yaml:"vad"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	Playback     PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds network and logging settings for `murmur serve`.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// APIToken, when set, is required as a bearer token on the synthesis
	// route and the control websocket.
	APIToken string `yaml:"api_token"`

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

// VADConfig configures the voice activity detector.
type VADConfig struct {
	// Enabled starts the detector alongside `murmur serve`.
	Enabled bool `yaml:"enabled"`

	// Device selects the audio input. Defaults to "default".
	Device InputKind `yaml:"device"`

	// InputFile is the WAV file replayed when Device is "file".
	InputFile string `yaml:"input_file"`

	// Preset names the base detector settings. Defaults to "balanced".
	Preset vad.Preset `yaml:"preset"`

	// Overrides adjusts individual fields on top of the preset.
	Overrides vad.ConfigPatch `yaml:"overrides"`

	// FrameInterval is the analysis cadence. Zero uses the detector default.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// CalibrationWindow is how long background noise is sampled. Zero uses
	// the detector default.
	CalibrationWindow time.Duration `yaml:"calibration_window"`
}

// Resolve returns the detector configuration described by v: the preset's
// values with the overrides applied, validated.
func (v VADConfig) Resolve() (vad.Config, error) {
	preset := vad.PresetBalanced
	if v.Preset != "" {
		p, err := vad.ParsePreset(string(v.Preset))
		if err != nil {
			return vad.Config{}, err
		}
		preset = p
	}
	base, err := vad.PresetConfig(preset)
	if err != nil {
		return vad.Config{}, err
	}
	cfg := base.Apply(v.Overrides)
	if err := cfg.Validate(); err != nil {
		return vad.Config{}, err
	}
	return cfg, nil
}

// ProviderEntry is the configuration block of a synthesis backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "elevenlabs", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// VoiceID is the default voice used when a request names none.
	VoiceID string `yaml:"voice_id"`

	// Model selects a specific model within the provider (e.g., "eleven_flash_v2_5", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// PlaybackConfig configures the output sink used by the playback controller.
type PlaybackConfig struct {
	// Output selects the sink. Defaults to "portaudio".
	Output OutputKind `yaml:"output"`

	// SampleRate of the output context in Hz. Defaults to 44100.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the output context, 1 or 2. Defaults to 2.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the PortAudio buffer size. Zero lets the device choose.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultSampleRate = 44100
	DefaultChannels   = 2
)

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.VAD.Device == "" {
		c.VAD.Device = InputDefault
	}
	if c.VAD.Preset == "" {
		c.VAD.Preset = vad.PresetBalanced
	}
	if c.Playback.Output == "" {
		c.Playback.Output = OutputPortAudio
	}
	if c.Playback.SampleRate == 0 {
		c.Playback.SampleRate = DefaultSampleRate
	}
	if c.Playback.Channels == 0 {
		c.Playback.Channels = DefaultChannels
	}
}

// Option returns the provider-specific option key as a string, or def when
// the key is missing or not a string.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// BoolOption returns the provider-specific option key as a bool, or def.
func (e ProviderEntry) BoolOption(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}
