package audio

import (
	"fmt"
	"time"
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from input devices,
// analysed by the voice activity detector, and rendered into output sinks.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 44100 for microphone capture, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo playback.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame's PCM data.
func (f AudioFrame) Duration() time.Duration {
	if f.Channels <= 0 {
		return 0
	}
	return FramesToDuration(int64(len(f.Data)/(2*f.Channels)), f.SampleRate)
}

// Buffer is a fully decoded, sample-accurate block of PCM audio ready to be
// scheduled on an [OutputContext]. It is the unit of the playback queue.
//
// Buffers are immutable once handed to an OutputContext.
type Buffer struct {
	// Data holds 16-bit little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int
}

// Format returns the sample rate and channel count of the buffer.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Frames returns the number of sample frames (samples per channel) in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / (2 * b.Channels)
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(int64(b.Frames()), b.SampleRate)
}

// String implements [fmt.Stringer].
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %d frames, %s)", b.Format(), b.Frames(), b.Duration())
}

// FramesToDuration converts a frame count at the given sample rate into a
// duration. It is exact to the nanosecond for all common rates.
func FramesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}

// DurationToFrames converts a duration into a whole number of frames at the
// given sample rate, rounding down.
func DurationToFrames(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int64(d) * int64(sampleRate) / int64(time.Second)
}
