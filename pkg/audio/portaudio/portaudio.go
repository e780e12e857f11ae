// Package portaudio connects murmur to the host's default microphone and
// speakers through PortAudio.
//
// [Device] implements [audio.InputDevice] and [Sink] implements the
// [output.Sink] used by the software output context. PortAudio does not expose
// echo cancellation, noise suppression, or automatic gain control, so those
// capture constraints are advisory here and only logged.
//
// Building this package requires cgo and the PortAudio development headers.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/output"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Device)(nil)
	_ output.Sink       = (*Sink)(nil)
)

const defaultFramesPerBuffer = 512

// ─── capture ──────────────────────────────────────────────────────────────────

// Device captures from the system default input device.
type Device struct {
	framesPerBuffer int
}

// NewDevice returns a capture device reading framesPerBuffer frames per read.
// Zero selects 512 frames.
func NewDevice(framesPerBuffer int) *Device {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	return &Device{framesPerBuffer: framesPerBuffer}
}

// Open implements [audio.InputDevice].
func (d *Device) Open(ctx context.Context, c audio.CaptureConstraints) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		slog.Debug("portaudio: capture processing constraints are not supported, continuing without them",
			"echoCancellation", c.EchoCancellation,
			"noiseSuppression", c.NoiseSuppression,
			"autoGainControl", c.AutoGainControl,
		)
	}
	channels := max(c.Channels, 1)

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: default input: %w", errors.Join(audio.ErrNoInputDevice, err))
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}

	buf := make([]int16, d.framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(rate), d.framesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open input stream: %w", errors.Join(audio.ErrNoInputDevice, err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	s := &inputStream{
		stream: stream,
		buf:    buf,
		format: audio.Format{SampleRate: rate, Channels: channels},
		frames: make(chan audio.AudioFrame, 32),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.capture()
	slog.Info("portaudio: capture started", "device", dev.Name, "sampleRate", rate, "channels", channels)
	return s, nil
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) Frames() <-chan audio.AudioFrame { return s.frames }
func (s *inputStream) Format() audio.Format            { return s.format }

func (s *inputStream) capture() {
	defer close(s.done)
	defer close(s.frames)
	var captured int64
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			// Input overflow only means frames were lost; keep capturing.
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			slog.Warn("portaudio: read failed, ending capture", "err", err)
			return
		}
		data := make([]byte, len(s.buf)*2)
		for i, v := range s.buf {
			data[i*2] = byte(v)
			data[i*2+1] = byte(v >> 8)
		}
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  audio.FramesToDuration(captured, s.format.SampleRate),
		}
		captured += int64(len(s.buf) / s.format.Channels)
		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		}
	}
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		// Stop unblocks a pending Read.
		err := s.stream.Stop()
		<-s.done
		s.closeErr = errors.Join(err, s.stream.Close(), portaudio.Terminate())
	})
	return s.closeErr
}

// ─── playback ─────────────────────────────────────────────────────────────────

// Sink plays rendered frames on the system default output device. Write blocks
// until PortAudio accepts the data, which paces the output context.
type Sink struct {
	stream  *portaudio.Stream
	buf     []int16
	filled  int
	format  audio.Format
	closeMu sync.Mutex
	closed  bool
}

// NewSink opens the default output device in format.
func NewSink(format audio.Format, framesPerBuffer int) (*Sink, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	buf := make([]int16, framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Sink{stream: stream, buf: buf, format: format}, nil
}

// Write implements [output.Sink].
func (s *Sink) Write(ctx context.Context, frame audio.AudioFrame) error {
	data := frame.Data
	for len(data) >= 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		for s.filled < len(s.buf) && len(data) >= 2 {
			s.buf[s.filled] = int16(data[0]) | int16(data[1])<<8
			s.filled++
			data = data[2:]
		}
		if s.filled == len(s.buf) {
			s.filled = 0
			if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
				return fmt.Errorf("portaudio: write: %w", err)
			}
		}
	}
	return nil
}

// Close implements [output.Sink].
func (s *Sink) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
}
