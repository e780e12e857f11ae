package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/murmur/pkg/vad"
)

// Commands accepted from clients.
const (
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdRecalibrate = "recalibrate"
	CmdPreset      = "preset"
	CmdConfig      = "config"
)

// Outbound message types. Command replies use "<cmd>_result".
const (
	TypeEvent  = "event"
	TypeStatus = "status"
	TypeError  = "error"
)

// Command is a client request.
type Command struct {
	Cmd    string      `json:"cmd" validate:"required,oneof=start stop recalibrate preset config"`
	Preset string      `json:"preset,omitempty" validate:"required_if=Cmd preset"`
	Config *WireConfig `json:"config,omitempty" validate:"required_if=Cmd config"`
}

// WireConfig is the detector configuration as clients see it. Durations are
// milliseconds. In a command every field is optional and only the set ones
// change.
type WireConfig struct {
	SilenceThreshold           *float64 `json:"silenceThreshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	SilenceDuration            *int64   `json:"silenceDuration,omitempty" validate:"omitempty,gt=0"`
	MinRecordingDuration       *int64   `json:"minRecordingDuration,omitempty" validate:"omitempty,gte=0"`
	MaxRecordingDuration       *int64   `json:"maxRecordingDuration,omitempty" validate:"omitempty,gt=0"`
	VoiceThreshold             *float64 `json:"voiceThreshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	VoiceStartDelay            *int64   `json:"voiceStartDelay,omitempty" validate:"omitempty,gte=0"`
	AnalyzerFFTSize            *int     `json:"analyzerFftSize,omitempty" validate:"omitempty,gte=32,lte=32768"`
	SmoothingTimeConstant      *float64 `json:"smoothingTimeConstant,omitempty" validate:"omitempty,gte=0,lte=1"`
	EnableNoiseGate            *bool    `json:"enableNoiseGate,omitempty"`
	NoiseGateThreshold         *float64 `json:"noiseGateThreshold,omitempty" validate:"omitempty,gte=0,lt=1"`
	EnableEnergyBasedDetection *bool    `json:"enableEnergyBasedDetection,omitempty"`
	AdaptiveThreshold          *bool    `json:"adaptiveThreshold,omitempty"`
	LowEnergyFloor             *float64 `json:"lowEnergyFloor,omitempty" validate:"omitempty,gte=0,lte=1"`
	LowEnergyAfter             *int64   `json:"lowEnergyAfter,omitempty" validate:"omitempty,gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the command's shape. Cross-field detector constraints are
// left to the detector.
func (c Command) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("%s: must satisfy %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

func msPtr(p *int64) *time.Duration {
	if p == nil {
		return nil
	}
	return vad.Ptr(time.Duration(*p) * time.Millisecond)
}

func ms(d time.Duration) *int64 {
	return vad.Ptr(d.Milliseconds())
}

// Patch converts w into a detector patch.
func (w WireConfig) Patch() vad.ConfigPatch {
	return vad.ConfigPatch{
		SilenceThreshold:           w.SilenceThreshold,
		SilenceDuration:            msPtr(w.SilenceDuration),
		MinRecordingDuration:       msPtr(w.MinRecordingDuration),
		MaxRecordingDuration:       msPtr(w.MaxRecordingDuration),
		VoiceThreshold:             w.VoiceThreshold,
		VoiceStartDelay:            msPtr(w.VoiceStartDelay),
		AnalyzerFFTSize:            w.AnalyzerFFTSize,
		SmoothingTimeConstant:      w.SmoothingTimeConstant,
		EnableNoiseGate:            w.EnableNoiseGate,
		NoiseGateThreshold:         w.NoiseGateThreshold,
		EnableEnergyBasedDetection: w.EnableEnergyBasedDetection,
		AdaptiveThreshold:          w.AdaptiveThreshold,
		LowEnergyFloor:             w.LowEnergyFloor,
		LowEnergyAfter:             msPtr(w.LowEnergyAfter),
	}
}

// wireConfigOf renders a full detector configuration.
func wireConfigOf(c vad.Config) WireConfig {
	return WireConfig{
		SilenceThreshold:           vad.Ptr(c.SilenceThreshold),
		SilenceDuration:            ms(c.SilenceDuration),
		MinRecordingDuration:       ms(c.MinRecordingDuration),
		MaxRecordingDuration:       ms(c.MaxRecordingDuration),
		VoiceThreshold:             vad.Ptr(c.VoiceThreshold),
		VoiceStartDelay:            ms(c.VoiceStartDelay),
		AnalyzerFFTSize:            vad.Ptr(c.AnalyzerFFTSize),
		SmoothingTimeConstant:      vad.Ptr(c.SmoothingTimeConstant),
		EnableNoiseGate:            vad.Ptr(c.EnableNoiseGate),
		NoiseGateThreshold:         vad.Ptr(c.NoiseGateThreshold),
		EnableEnergyBasedDetection: vad.Ptr(c.EnableEnergyBasedDetection),
		AdaptiveThreshold:          vad.Ptr(c.AdaptiveThreshold),
		LowEnergyFloor:             vad.Ptr(c.LowEnergyFloor),
		LowEnergyAfter:             ms(c.LowEnergyAfter),
	}
}

// EventMessage carries one detector event.
type EventMessage struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
	SilenceMs int64     `json:"silenceMs,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func eventMessage(e vad.Event) EventMessage {
	m := EventMessage{Type: TypeEvent, Event: e.Type.String(), At: e.At}
	switch e.Type {
	case vad.EventSilence:
		m.SilenceMs = e.Duration.Milliseconds()
	case vad.EventAutoStop:
		m.Reason = string(e.Reason)
	case vad.EventError:
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
	}
	return m
}

// StatusMessage is a snapshot of the detector.
type StatusMessage struct {
	Type                 string     `json:"type"`
	Status               vad.Status `json:"status"`
	State                string     `json:"state"`
	IsDetecting          bool       `json:"isDetecting"`
	IsVoiceActive        bool       `json:"isVoiceActive"`
	IsCalibrated         bool       `json:"isCalibrated"`
	CurrentVolume        float64    `json:"currentVolume"`
	BackgroundNoiseLevel float64    `json:"backgroundNoiseLevel"`
	EffectiveThreshold   float64    `json:"effectiveThreshold"`
	LowEnergyFloor       float64    `json:"lowEnergyFloor"`
	Config               WireConfig `json:"config"`
}

func statusMessage(s vad.Snapshot) StatusMessage {
	return StatusMessage{
		Type:                 TypeStatus,
		Status:               s.Status(),
		State:                s.State.String(),
		IsDetecting:          s.IsDetecting,
		IsVoiceActive:        s.IsVoiceActive,
		IsCalibrated:         s.IsCalibrated,
		CurrentVolume:        s.CurrentVolume,
		BackgroundNoiseLevel: s.BackgroundNoiseLevel,
		EffectiveThreshold:   s.EffectiveThreshold,
		LowEnergyFloor:       s.LowEnergyFloor,
		Config:               wireConfigOf(s.Config),
	}
}

// ResultMessage answers a command.
type ResultMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func resultMessage(cmd string, err error) ResultMessage {
	m := ResultMessage{Type: cmd + "_result", Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}
