package vad

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the tunable parameters of a [Detector]. Values are normally
// taken from a [Preset] and adjusted with a [ConfigPatch].
type Config struct {
	// SilenceThreshold is the gated volume a voiced frame must exceed in
	// energy-based mode. Range: [0, 1].
	SilenceThreshold float64 `yaml:"silence_threshold" validate:"gte=0,lte=1"`

	// SilenceDuration is how long silence must last after speech before the
	// detector stops with [AutoStopSilence].
	SilenceDuration time.Duration `yaml:"silence_duration" validate:"gt=0"`

	// MinRecordingDuration guards silence auto-stop: it never fires before the
	// recording is at least this long.
	MinRecordingDuration time.Duration `yaml:"min_recording_duration" validate:"gte=0"`

	// MaxRecordingDuration is the hard ceiling after which the detector stops
	// with [AutoStopMaxDuration].
	MaxRecordingDuration time.Duration `yaml:"max_recording_duration" validate:"gtfield=MinRecordingDuration"`

	// VoiceThreshold is the static detection threshold and the lower bound of
	// the adaptive one. Range: [0, 1].
	VoiceThreshold float64 `yaml:"voice_threshold" validate:"gte=0,lte=1"`

	// VoiceStartDelay is how long frames must classify as voice, without
	// interruption, before a voice start is reported. Zero reports immediately.
	VoiceStartDelay time.Duration `yaml:"voice_start_delay" validate:"gte=0"`

	// SampleRate is the capture rate requested from the input device in Hz.
	SampleRate int `yaml:"sample_rate" validate:"gte=8000,lte=192000"`

	// AnalyzerFFTSize is the analysis window length; a power of two.
	AnalyzerFFTSize int `yaml:"analyzer_fft_size" validate:"gte=32,lte=32768,pow2"`

	// SmoothingTimeConstant is the analyser's exponential smoothing factor. Range: [0, 1].
	SmoothingTimeConstant float64 `yaml:"smoothing_time_constant" validate:"gte=0,lte=1"`

	// EnableNoiseGate applies the soft-knee gate to volume before classification.
	EnableNoiseGate bool `yaml:"enable_noise_gate"`

	// NoiseGateThreshold is the volume at or below which the gate outputs 0. Range: [0, 1).
	NoiseGateThreshold float64 `yaml:"noise_gate_threshold" validate:"gte=0,lt=1"`

	// EnableEnergyBasedDetection classifies on speech-band energy instead of raw volume.
	EnableEnergyBasedDetection bool `yaml:"enable_energy_based_detection"`

	// AdaptiveThreshold derives the detection threshold from calibrated
	// background noise.
	AdaptiveThreshold bool `yaml:"adaptive_threshold"`

	// LowEnergyFloor is the speech-band energy a working microphone exceeds at
	// least once within LowEnergyAfter. Calibration may raise it; see
	// [Machine.LowEnergyFloor].
	LowEnergyFloor float64 `yaml:"low_energy_floor" validate:"gte=0,lte=1"`

	// LowEnergyAfter is how long a recording may stay below LowEnergyFloor
	// before the detector stops with [AutoStopLowEnergy].
	LowEnergyAfter time.Duration `yaml:"low_energy_after" validate:"gt=0"`
}

// ConfigPatch is a partial [Config]. Nil fields leave the current value untouched.
type ConfigPatch struct {
	SilenceThreshold           *float64       `yaml:"silence_threshold,omitempty" json:"silenceThreshold,omitempty"`
	SilenceDuration            *time.Duration `yaml:"silence_duration,omitempty" json:"silenceDuration,omitempty"`
	MinRecordingDuration       *time.Duration `yaml:"min_recording_duration,omitempty" json:"minRecordingDuration,omitempty"`
	MaxRecordingDuration       *time.Duration `yaml:"max_recording_duration,omitempty" json:"maxRecordingDuration,omitempty"`
	VoiceThreshold             *float64       `yaml:"voice_threshold,omitempty" json:"voiceThreshold,omitempty"`
	VoiceStartDelay            *time.Duration `yaml:"voice_start_delay,omitempty" json:"voiceStartDelay,omitempty"`
	SampleRate                 *int           `yaml:"sample_rate,omitempty" json:"sampleRate,omitempty"`
	AnalyzerFFTSize            *int           `yaml:"analyzer_fft_size,omitempty" json:"analyzerFftSize,omitempty"`
	SmoothingTimeConstant      *float64       `yaml:"smoothing_time_constant,omitempty" json:"smoothingTimeConstant,omitempty"`
	EnableNoiseGate            *bool          `yaml:"enable_noise_gate,omitempty" json:"enableNoiseGate,omitempty"`
	NoiseGateThreshold         *float64       `yaml:"noise_gate_threshold,omitempty" json:"noiseGateThreshold,omitempty"`
	EnableEnergyBasedDetection *bool          `yaml:"enable_energy_based_detection,omitempty" json:"enableEnergyBasedDetection,omitempty"`
	AdaptiveThreshold          *bool          `yaml:"adaptive_threshold,omitempty" json:"adaptiveThreshold,omitempty"`
	LowEnergyFloor             *float64       `yaml:"low_energy_floor,omitempty" json:"lowEnergyFloor,omitempty"`
	LowEnergyAfter             *time.Duration `yaml:"low_energy_after,omitempty" json:"lowEnergyAfter,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p ConfigPatch) IsZero() bool {
	return p == ConfigPatch{}
}

// Apply returns c with every non-nil field of p merged in.
func (c Config) Apply(p ConfigPatch) Config {
	set(&c.SilenceThreshold, p.SilenceThreshold)
	set(&c.SilenceDuration, p.SilenceDuration)
	set(&c.MinRecordingDuration, p.MinRecordingDuration)
	set(&c.MaxRecordingDuration, p.MaxRecordingDuration)
	set(&c.VoiceThreshold, p.VoiceThreshold)
	set(&c.VoiceStartDelay, p.VoiceStartDelay)
	set(&c.SampleRate, p.SampleRate)
	set(&c.AnalyzerFFTSize, p.AnalyzerFFTSize)
	set(&c.SmoothingTimeConstant, p.SmoothingTimeConstant)
	set(&c.EnableNoiseGate, p.EnableNoiseGate)
	set(&c.NoiseGateThreshold, p.NoiseGateThreshold)
	set(&c.EnableEnergyBasedDetection, p.EnableEnergyBasedDetection)
	set(&c.AdaptiveThreshold, p.AdaptiveThreshold)
	set(&c.LowEnergyFloor, p.LowEnergyFloor)
	set(&c.LowEnergyAfter, p.LowEnergyAfter)
	return c
}

// Patch returns a patch that sets every tuning field of c. SampleRate is left
// out because it follows the input device, not the tuning.
func (c Config) Patch() ConfigPatch {
	return ConfigPatch{
		SilenceThreshold:           Ptr(c.SilenceThreshold),
		SilenceDuration:            Ptr(c.SilenceDuration),
		MinRecordingDuration:       Ptr(c.MinRecordingDuration),
		MaxRecordingDuration:       Ptr(c.MaxRecordingDuration),
		VoiceThreshold:             Ptr(c.VoiceThreshold),
		VoiceStartDelay:            Ptr(c.VoiceStartDelay),
		AnalyzerFFTSize:            Ptr(c.AnalyzerFFTSize),
		SmoothingTimeConstant:      Ptr(c.SmoothingTimeConstant),
		EnableNoiseGate:            Ptr(c.EnableNoiseGate),
		NoiseGateThreshold:         Ptr(c.NoiseGateThreshold),
		EnableEnergyBasedDetection: Ptr(c.EnableEnergyBasedDetection),
		AdaptiveThreshold:          Ptr(c.AdaptiveThreshold),
		LowEnergyFloor:             Ptr(c.LowEnergyFloor),
		LowEnergyAfter:             Ptr(c.LowEnergyAfter),
	}
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Ptr returns a pointer to v. It is a convenience for building a [ConfigPatch].
func Ptr[T any](v T) *T { return &v }

// ---- validation ----

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	})
	return v
}

// Validate checks every field against its documented range and returns all
// violations joined together.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("vad: validate config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("vad: %s %s", fe.Field(), validationMessage(fe)))
	}
	return errors.Join(errs...)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gtfield":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "pow2":
		return "must be a power of two"
	default:
		return fmt.Sprintf("failed validation '%s'", fe.Tag())
	}
}

// ---- presets ----

// Preset names a fixed set of [Config] values.
type Preset string

const (
	PresetSensitive     Preset = "sensitive"
	PresetBalanced      Preset = "balanced"
	PresetNoiseTolerant Preset = "noise-tolerant"
	PresetCustom        Preset = "custom"
)

// Presets lists all known presets in display order.
var Presets = []Preset{PresetSensitive, PresetBalanced, PresetNoiseTolerant, PresetCustom}

// ParsePreset resolves a preset name, case-insensitively.
func ParsePreset(name string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Presets {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("vad: unknown preset %q", name)
}

// DefaultConfig returns the balanced configuration.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:           0.02,
		SilenceDuration:            2000 * time.Millisecond,
		MinRecordingDuration:       500 * time.Millisecond,
		MaxRecordingDuration:       30 * time.Second,
		VoiceThreshold:             0.05,
		VoiceStartDelay:            100 * time.Millisecond,
		SampleRate:                 44100,
		AnalyzerFFTSize:            1024,
		SmoothingTimeConstant:      0.8,
		EnableNoiseGate:            true,
		NoiseGateThreshold:         0.01,
		EnableEnergyBasedDetection: true,
		AdaptiveThreshold:          true,
		LowEnergyFloor:             0.001,
		LowEnergyAfter:             5 * time.Second,
	}
}

// PresetConfig returns the configuration for p. Custom starts from the
// balanced values.
func PresetConfig(p Preset) (Config, error) {
	c := DefaultConfig()
	switch p {
	case PresetBalanced, PresetCustom:
		return c, nil
	case PresetSensitive:
		c.SilenceThreshold = 0.01
		c.SilenceDuration = 1500 * time.Millisecond
		c.MinRecordingDuration = 300 * time.Millisecond
		c.MaxRecordingDuration = 25 * time.Second
		c.VoiceThreshold = 0.03
		c.VoiceStartDelay = 50 * time.Millisecond
		c.AnalyzerFFTSize = 2048
		c.SmoothingTimeConstant = 0.9
		c.NoiseGateThreshold = 0.005
		return c, nil
	case PresetNoiseTolerant:
		c.SilenceThreshold = 0.05
		c.SilenceDuration = 2500 * time.Millisecond
		c.MinRecordingDuration = 800 * time.Millisecond
		c.MaxRecordingDuration = 35 * time.Second
		c.VoiceThreshold = 0.1
		c.VoiceStartDelay = 200 * time.Millisecond
		c.AnalyzerFFTSize = 512
		c.SmoothingTimeConstant = 0.7
		c.NoiseGateThreshold = 0.02
		return c, nil
	}
	return Config{}, fmt.Errorf("vad: unknown preset %q", p)
}
