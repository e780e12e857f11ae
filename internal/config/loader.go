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

// KnownTTSProviders lists the synthesis backends murmur ships with.
// Used by [Validate] to warn about unrecognised provider names.
var KnownTTSProviders = []string{"elevenlabs", "openai", "coqui", "remote"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// VAD
	if cfg.VAD.Device != "" && !cfg.VAD.Device.IsValid() {
		errs = append(errs, fmt.Errorf("vad.device %q is invalid; valid values: default, file", cfg.VAD.Device))
	}
	if cfg.VAD.Device == InputFile && cfg.VAD.InputFile == "" {
		errs = append(errs, errors.New("vad.input_file is required when device is file"))
	}
	if cfg.VAD.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("vad.frame_interval %s must not be negative", cfg.VAD.FrameInterval))
	}
	if cfg.VAD.CalibrationWindow < 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_window %s must not be negative", cfg.VAD.CalibrationWindow))
	}
	if _, err := cfg.VAD.Resolve(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	// TTS
	validateProviderName("tts", cfg.TTS.Name)
	for i, fb := range cfg.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("tts_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fmt.Sprintf("tts_fallbacks[%d]", i), fb.Name)
	}
	if cfg.TTS.Name == "" && len(cfg.TTSFallbacks) > 0 {
		errs = append(errs, errors.New("tts_fallbacks requires tts.name to be set"))
	}
	if cfg.TTS.Name == "" {
		slog.Warn("tts.name is empty; speech synthesis will not be available")
	}

	// Playback
	if cfg.Playback.Output != "" && !cfg.Playback.Output.IsValid() {
		errs = append(errs, fmt.Errorf("playback.output %q is invalid; valid values: portaudio, null", cfg.Playback.Output))
	}
	if sr := cfg.Playback.SampleRate; sr != 0 && (sr < 8000 || sr > 192000) {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is out of range [8000, 192000]", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels != 0 && cfg.Playback.Channels != 1 && cfg.Playback.Channels != 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is invalid; valid values: 1, 2", cfg.Playback.Channels))
	}
	if cfg.Playback.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("playback.frames_per_buffer %d must not be negative", cfg.Playback.FramesPerBuffer))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [KnownTTSProviders].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(KnownTTSProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", KnownTTSProviders,
	)
}
