// Package audio defines the interfaces and types for audio capture and
// scheduled playback within murmur.
//
// The primary abstractions are:
//
//   - [InputDevice] opens a live capture [InputStream] (a microphone, a file,
//     or a test double) honouring a set of [CaptureConstraints].
//   - [OutputContext] plays decoded [Buffer] values at precise positions on a
//     monotonic output clock and reports when each one has finished.
//
// Implementations are provided by adapter packages (audio/portaudio,
// audio/wavfile, audio/output). The interfaces are intentionally narrow to keep
// the detector and the playback controller decoupled from hardware details.
//
// This package lives under pkg/ because external code is expected to implement
// [InputDevice] and [OutputContext].
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoInputDevice is returned by [InputDevice.Open] when the platform has no
	// usable audio input.
	ErrNoInputDevice = errors.New("audio: no input device available")

	// ErrPermissionDenied is returned by [InputDevice.Open] when the platform
	// refuses access to the audio input.
	ErrPermissionDenied = errors.New("audio: input device permission denied")

	// ErrContextClosed is returned by [OutputContext.Schedule] after Close.
	ErrContextClosed = errors.New("audio: output context closed")
)

// CaptureConstraints describes the processing requested from the platform when
// opening a capture stream. Platforms that cannot honour a flag should log it
// and continue rather than fail.
type CaptureConstraints struct {
	// SampleRate is the preferred capture rate in Hz. Zero lets the device choose.
	SampleRate int

	// Channels is the preferred channel count. Zero means mono.
	Channels int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultCaptureConstraints returns the constraints requested by the voice
// activity detector: all platform-side processing enabled.
func DefaultCaptureConstraints(sampleRate int) CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// InputStream is a live capture stream returned by [InputDevice.Open].
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// Frames returns the channel of captured frames. It is closed when the stream
	// ends or Close is called.
	Frames() <-chan AudioFrame

	// Format reports the actual format delivered on Frames.
	Format() Format

	// Close stops capture and releases the underlying device. It is safe to call
	// Close more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// InputDevice is the entry point for audio capture.
type InputDevice interface {
	// Open acquires the device and starts capture. Implementations return an
	// error wrapping [ErrNoInputDevice] or [ErrPermissionDenied] when access
	// cannot be granted.
	Open(ctx context.Context, constraints CaptureConstraints) (InputStream, error)
}

// OutputContext schedules decoded buffers for sample-accurate playback on a
// monotonic output clock.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// CurrentTime returns the position of the output clock. It never decreases.
	CurrentTime() time.Duration

	// Schedule queues buf to start playing at the clock position at. A position
	// in the past starts immediately. onEnded, if non-nil, is invoked once the
	// final sample of buf is due, early enough that a buffer scheduled from the
	// callback at buf's end position follows without a gap. It is never invoked
	// synchronously from within Schedule, and never invoked after Close.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) error

	// Close stops rendering and releases the output device. Pending onEnded
	// callbacks are discarded. Safe to call more than once.
	Close() error
}

// OutputFactory constructs a fresh [OutputContext]. The playback controller uses
// it to replace its context on a hard stop.
type OutputFactory func() (OutputContext, error)
