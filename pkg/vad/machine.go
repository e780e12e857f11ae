package vad

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// lowEnergyCalibrationRatio scales the calibrated background energy into the
// low-energy floor: a microphone that never reaches a quarter of the room's
// own noise level within LowEnergyAfter is treated as muted or disconnected.
const lowEnergyCalibrationRatio = 0.25

// Snapshot is a copy of the detector's runtime state.
type Snapshot struct {
	State State

	IsDetecting   bool
	IsVoiceActive bool
	IsCalibrated  bool

	CurrentVolume        float64
	BackgroundNoiseLevel float64
	BackgroundEnergy     float64
	EffectiveThreshold   float64
	LowEnergyFloor       float64

	// RecordingStart is when the current or last recording started.
	RecordingStart time.Time
	// SilenceStart is when the running silence timer started; zero if none runs.
	SilenceStart time.Time

	CalibrationSamples int

	Config Config
}

// Status derives the coarse control-surface status.
func (s Snapshot) Status() Status {
	switch {
	case s.State == StateCalibrating:
		return StatusCalibrating
	case !s.IsDetecting:
		return StatusInactive
	case s.IsVoiceActive:
		return StatusSpeaking
	case !s.SilenceStart.IsZero():
		return StatusSilence
	default:
		return StatusListening
	}
}

// Machine is the detection state machine:
//
//	Idle → Calibrating → Idle
//	Idle → Listening ⇄ Speaking → AutoStopped | Idle
//
// It owns no goroutines and reads no clock; every transition takes the frame
// time from the caller, so it can be driven with synthetic frequency data.
// A Machine is not safe for concurrent use.
type Machine struct {
	cfg   Config
	state State

	adaptiveThreshold float64
	background        float64
	backgroundEnergy  float64
	calibrated        bool
	calVolumes        []float64
	calEnergies       []float64

	recordingStart time.Time
	silenceStart   time.Time
	pendingVoice   time.Time // first voiced frame still waiting out VoiceStartDelay
	voiceActive    bool
	volume         float64
	peakEnergy     float64
}

// NewMachine returns an idle, uncalibrated machine. cfg must be valid.
func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg:               cfg,
		adaptiveThreshold: cfg.VoiceThreshold,
	}
}

// Config returns the live configuration.
func (m *Machine) Config() Config { return m.cfg }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Threshold returns the effective voice detection threshold.
func (m *Machine) Threshold() float64 {
	if m.cfg.AdaptiveThreshold {
		return m.adaptiveThreshold
	}
	return m.cfg.VoiceThreshold
}

// LowEnergyFloor returns the energy a recording must exceed at least once
// within LowEnergyAfter. After calibration it is raised to a quarter of the
// measured background energy when that is higher than the configured floor.
func (m *Machine) LowEnergyFloor() float64 {
	if m.calibrated {
		return max(m.cfg.LowEnergyFloor, m.backgroundEnergy*lowEnergyCalibrationRatio)
	}
	return m.cfg.LowEnergyFloor
}

// ApplyConfig merges p into the live configuration. If adaptive thresholding
// ends up disabled, the effective threshold reverts to VoiceThreshold at once.
// With adaptive thresholding enabled the calibrated threshold is recomputed
// against the new VoiceThreshold.
func (m *Machine) ApplyConfig(p ConfigPatch) error {
	next := m.cfg.Apply(p)
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	switch {
	case !next.AdaptiveThreshold:
		m.adaptiveThreshold = next.VoiceThreshold
	case m.calibrated:
		m.adaptiveThreshold = max(m.background*3, next.VoiceThreshold)
	default:
		m.adaptiveThreshold = next.VoiceThreshold
	}
	return nil
}

// ---- calibration ----

// BeginCalibration enters Calibrating and discards earlier samples. It returns
// false if detection is running.
func (m *Machine) BeginCalibration() bool {
	if m.state.Detecting() {
		return false
	}
	m.state = StateCalibrating
	m.calVolumes = m.calVolumes[:0]
	m.calEnergies = m.calEnergies[:0]
	return true
}

// AddCalibrationSample records the features of one frame. Frames with zero
// volume carry no information about the room and are skipped.
func (m *Machine) AddCalibrationSample(f Features) {
	if m.state != StateCalibrating {
		return
	}
	m.volume = f.Volume
	if f.Volume > 0 {
		m.calVolumes = append(m.calVolumes, f.Volume)
		m.calEnergies = append(m.calEnergies, f.Energy)
	}
}

// FinishCalibration sets the background noise level to the mean of the
// collected samples and, with adaptive thresholding, the effective threshold
// to max(background * 3, VoiceThreshold). A window without samples yields a
// background of 0.
func (m *Machine) FinishCalibration() {
	if m.state != StateCalibrating {
		return
	}
	m.background, m.backgroundEnergy = 0, 0
	if len(m.calVolumes) > 0 {
		m.background = stat.Mean(m.calVolumes, nil)
		m.backgroundEnergy = stat.Mean(m.calEnergies, nil)
	}
	if m.cfg.AdaptiveThreshold {
		m.adaptiveThreshold = max(m.background*3, m.cfg.VoiceThreshold)
	}
	m.calibrated = true
	m.state = StateIdle
}

// CancelCalibration abandons a running calibration without changing the
// calibrated values.
func (m *Machine) CancelCalibration() {
	if m.state == StateCalibrating {
		m.state = StateIdle
	}
}

// ---- detection ----

// Start begins a recording at now. It returns false if detection is already
// running or calibration is in progress.
func (m *Machine) Start(now time.Time) bool {
	if m.state.Detecting() || m.state == StateCalibrating {
		return false
	}
	m.state = StateListening
	m.recordingStart = now
	m.silenceStart = time.Time{}
	m.pendingVoice = time.Time{}
	m.voiceActive = false
	m.peakEnergy = 0
	return true
}

// Stop ends a running recording. If voice was active a closing
// EventVoiceEnd is returned so starts and ends always alternate.
func (m *Machine) Stop(now time.Time) []Event {
	if !m.state.Detecting() {
		return nil
	}
	events := m.endVoice(nil, now)
	m.state = StateIdle
	m.silenceStart = time.Time{}
	return events
}

// Step analyses one frame taken at now and returns the resulting events in
// emission order. It does nothing unless detection is running.
func (m *Machine) Step(f Features, now time.Time) []Event {
	if !m.state.Detecting() {
		return nil
	}
	events := []Event{{Type: EventVolume, At: now, Volume: f.Volume}}
	m.volume = f.Volume
	m.peakEnergy = max(m.peakEnergy, f.Energy)

	voiced := Classify(f, m.cfg, m.Threshold())
	switch {
	case voiced && !m.voiceActive:
		if m.pendingVoice.IsZero() {
			m.pendingVoice = now
		}
		if now.Sub(m.pendingVoice) >= m.cfg.VoiceStartDelay {
			m.voiceActive = true
			m.pendingVoice = time.Time{}
			m.silenceStart = time.Time{}
			m.state = StateSpeaking
			events = append(events, Event{Type: EventVoiceStart, At: now})
		}
	case !voiced && m.voiceActive:
		events = m.endVoice(events, now)
		m.silenceStart = now
	case !voiced:
		m.pendingVoice = time.Time{}
	}

	recording := now.Sub(m.recordingStart)

	// Voice that is still waiting out VoiceStartDelay holds the silence timer.
	if !m.voiceActive && m.pendingVoice.IsZero() && !m.silenceStart.IsZero() {
		silence := now.Sub(m.silenceStart)
		events = append(events, Event{Type: EventSilence, At: now, Duration: silence})
		if silence > m.cfg.SilenceDuration && recording > m.cfg.MinRecordingDuration {
			return m.autoStop(events, AutoStopSilence, now)
		}
	}

	if recording > m.cfg.MaxRecordingDuration {
		return m.autoStop(events, AutoStopMaxDuration, now)
	}

	if recording > m.cfg.LowEnergyAfter && m.peakEnergy < m.LowEnergyFloor() {
		return m.autoStop(events, AutoStopLowEnergy, now)
	}
	return events
}

func (m *Machine) endVoice(events []Event, now time.Time) []Event {
	m.pendingVoice = time.Time{}
	if !m.voiceActive {
		return events
	}
	m.voiceActive = false
	m.state = StateListening
	return append(events, Event{Type: EventVoiceEnd, At: now})
}

func (m *Machine) autoStop(events []Event, reason AutoStopReason, now time.Time) []Event {
	events = m.endVoice(events, now)
	m.state = StateAutoStopped
	m.silenceStart = time.Time{}
	return append(events, Event{Type: EventAutoStop, At: now, Reason: reason})
}

// Snapshot returns a copy of the runtime state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:                m.state,
		IsDetecting:          m.state.Detecting(),
		IsVoiceActive:        m.voiceActive,
		IsCalibrated:         m.calibrated,
		CurrentVolume:        m.volume,
		BackgroundNoiseLevel: m.background,
		BackgroundEnergy:     m.backgroundEnergy,
		EffectiveThreshold:   m.Threshold(),
		LowEnergyFloor:       m.LowEnergyFloor(),
		RecordingStart:       m.recordingStart,
		SilenceStart:         m.silenceStart,
		CalibrationSamples:   len(m.calVolumes),
		Config:               m.cfg,
	}
}
