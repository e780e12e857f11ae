package vad

import (
	"fmt"
	"time"
)

// EventType enumerates detector events.
type EventType int

const (
	// EventVoiceStart is emitted when frames start classifying as voice.
	EventVoiceStart EventType = iota

	// EventVoiceEnd is emitted when voice gives way to silence.
	EventVoiceEnd

	// EventSilence is emitted every frame while the silence timer runs.
	// Event.Duration holds the elapsed silence.
	EventSilence

	// EventVolume is emitted every frame with the raw volume in Event.Volume.
	EventVolume

	// EventAutoStop is emitted when the detector stops itself.
	// Event.Reason holds the cause.
	EventAutoStop

	// EventError is emitted when the detector fails. Event.Err holds the error.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventVoiceStart:
		return "voice_start"
	case EventVoiceEnd:
		return "voice_end"
	case EventSilence:
		return "silence"
	case EventVolume:
		return "volume"
	case EventAutoStop:
		return "auto_stop"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// AutoStopReason says why the detector stopped itself. None of the reasons is
// an error: silence means the speaker is done, the others point at a recording
// that ran too long or a microphone delivering nothing.
type AutoStopReason string

const (
	AutoStopSilence     AutoStopReason = "silence"
	AutoStopMaxDuration AutoStopReason = "maxDuration"
	AutoStopLowEnergy   AutoStopReason = "lowEnergy"
)

// Event is a single detector notification.
type Event struct {
	Type EventType

	// At is the time the frame that produced the event was analysed.
	At time.Time

	// Duration is the elapsed silence for EventSilence.
	Duration time.Duration

	// Volume is the raw frame volume for EventVolume.
	Volume float64

	// Reason is set for EventAutoStop.
	Reason AutoStopReason

	// Err is set for EventError.
	Err error
}

// Callbacks receives detector events. Every field is optional. Callbacks run
// on the detector's analysis goroutine and must not block; they may call back
// into the [Detector].
type Callbacks struct {
	OnVoiceStart      func()
	OnVoiceEnd        func()
	OnSilenceDetected func(d time.Duration)
	OnVolumeChange    func(volume float64)
	OnAutoStop        func(reason AutoStopReason)
	OnError           func(err error)
}

// dispatch invokes the callback matching e.
func (c Callbacks) dispatch(e Event) {
	switch e.Type {
	case EventVoiceStart:
		if c.OnVoiceStart != nil {
			c.OnVoiceStart()
		}
	case EventVoiceEnd:
		if c.OnVoiceEnd != nil {
			c.OnVoiceEnd()
		}
	case EventSilence:
		if c.OnSilenceDetected != nil {
			c.OnSilenceDetected(e.Duration)
		}
	case EventVolume:
		if c.OnVolumeChange != nil {
			c.OnVolumeChange(e.Volume)
		}
	case EventAutoStop:
		if c.OnAutoStop != nil {
			c.OnAutoStop(e.Reason)
		}
	case EventError:
		if c.OnError != nil {
			c.OnError(e.Err)
		}
	}
}

// State is a state of the detection [Machine].
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateListening
	StateSpeaking
	StateAutoStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateAutoStopped:
		return "auto_stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Detecting reports whether the per-frame analysis loop runs in s.
func (s State) Detecting() bool {
	return s == StateListening || s == StateSpeaking
}

// Status is the coarse status shown by a control surface.
type Status string

const (
	StatusInactive    Status = "inactive"
	StatusCalibrating Status = "calibrating"
	StatusListening   Status = "listening"
	StatusSpeaking    Status = "speaking"
	StatusSilence     Status = "silence"
)
