// Package wavfile provides an [audio.InputDevice] that replays a WAV file as a
// live capture stream, paced in real time. It lets the voice activity detector
// run headless against recorded audio.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/decode"
)

// Compile-time interface assertion.
var _ audio.InputDevice = (*Device)(nil)

const defaultFrameSize = 20 * time.Millisecond

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithLoop makes the stream restart from the beginning when the file ends.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// WithFrameSize sets the duration of each emitted frame. Defaults to 20 ms.
func WithFrameSize(size time.Duration) Option {
	return func(d *Device) {
		if size > 0 {
			d.frameSize = size
		}
	}
}

// WithoutPacing emits frames as fast as the consumer reads them.
func WithoutPacing() Option {
	return func(d *Device) { d.paced = false }
}

// Device replays decoded audio. The capture constraints are ignored apart from
// logging; the file's own format is delivered.
type Device struct {
	buf       *audio.Buffer
	loop      bool
	paced     bool
	frameSize time.Duration
}

// Open reads and decodes the WAV file at path.
func Open(path string, opts ...Option) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("wavfile: %w: %v", audio.ErrNoInputDevice, err)
		}
		return nil, fmt.Errorf("wavfile: read %s: %w", path, err)
	}
	buf, err := decode.Decode(data, "audio/wav")
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	return New(buf, opts...), nil
}

// New returns a Device replaying buf.
func New(buf *audio.Buffer, opts ...Option) *Device {
	d := &Device{buf: buf, paced: true, frameSize: defaultFrameSize}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.InputDevice].
func (d *Device) Open(ctx context.Context, _ audio.CaptureConstraints) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{
		format: d.buf.Format(),
		frames: make(chan audio.AudioFrame, 8),
		stop:   make(chan struct{}),
	}
	go s.run(d)
	return s, nil
}

type stream struct {
	format    audio.Format
	frames    chan audio.AudioFrame
	stop      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }
func (s *stream) Format() audio.Format            { return s.format }

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *stream) run(d *Device) {
	defer close(s.frames)

	frameBytes := int(audio.DurationToFrames(d.frameSize, s.format.SampleRate)) * s.format.Channels * 2
	if frameBytes <= 0 {
		return
	}
	var ticker *time.Ticker
	if d.paced {
		ticker = time.NewTicker(d.frameSize)
		defer ticker.Stop()
	}

	var ts time.Duration
	for {
		for off := 0; off < len(d.buf.Data); off += frameBytes {
			end := min(off+frameBytes, len(d.buf.Data))
			frame := audio.AudioFrame{
				Data:       d.buf.Data[off:end],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  ts,
			}
			ts += frame.Duration()
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-s.stop:
					return
				}
			}
			select {
			case s.frames <- frame:
			case <-s.stop:
				return
			}
		}
		if !d.loop {
			return
		}
	}
}
