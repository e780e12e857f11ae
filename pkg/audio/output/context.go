// Package output provides a software [audio.OutputContext] that renders
// scheduled buffers into a [Sink].
//
// The context renders fixed quanta (10 ms by default) on a dedicated goroutine.
// Its clock is the number of frames rendered so far divided by the sample rate,
// so it is monotonic and sample accurate. A blocking sink (a sound card) paces
// the clock in real time; [NullSink] paces it against the wall clock for
// headless operation.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

const defaultQuantum = 10 * time.Millisecond

// Sink consumes rendered audio. Write should block until the device can accept
// more data; that back-pressure is what advances the output clock in real time.
// The frame's Data is reused after Write returns and must be copied if retained.
type Sink interface {
	Write(ctx context.Context, frame audio.AudioFrame) error
	Close() error
}

// voice is a buffer that has been scheduled on the context.
type voice struct {
	data       []byte // converted to the context format
	startFrame int64
	endFrame   int64
	onEnded    func()
	fired      bool
}

// Option is a functional option for configuring a [Context].
type Option func(*Context)

// WithQuantum sets the render quantum. Smaller quanta lower scheduling latency
// at the cost of more sink writes.
func WithQuantum(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.quantum = d
		}
	}
}

// Context implements [audio.OutputContext] in software.
type Context struct {
	sink    Sink
	format  audio.Format
	quantum time.Duration

	mu       sync.Mutex
	rendered int64 // frames rendered so far; the clock
	voices   []*voice
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Compile-time interface assertion.
var _ audio.OutputContext = (*Context)(nil)

// NewContext creates a Context rendering in format to sink and starts its
// render goroutine. The sink is closed when the context is closed.
func NewContext(sink Sink, format audio.Format, opts ...Option) (*Context, error) {
	if sink == nil {
		return nil, errors.New("output: sink must not be nil")
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, errors.New("output: format must have a positive sample rate and channel count")
	}
	c := newContext(sink, format, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return c, nil
}

// newContext builds a Context without starting the render goroutine.
func newContext(sink Sink, format audio.Format, opts ...Option) *Context {
	c := &Context{
		sink:    sink,
		format:  format,
		quantum: defaultQuantum,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Format returns the render format.
func (c *Context) Format() audio.Format { return c.format }

// CurrentTime implements [audio.OutputContext].
func (c *Context) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return audio.FramesToDuration(c.rendered, c.format.SampleRate)
}

// Schedule implements [audio.OutputContext].
func (c *Context) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) error {
	if buf == nil {
		return errors.New("output: buffer must not be nil")
	}
	converted, err := audio.ConvertBuffer(buf, c.format)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audio.ErrContextClosed
	}
	start := max(audio.DurationToFrames(at, c.format.SampleRate), c.rendered)
	frames := int64(converted.Frames())
	c.voices = append(c.voices, &voice{
		data:       converted.Data,
		startFrame: start,
		endFrame:   start + frames,
		onEnded:    onEnded,
	})
	return nil
}

// Close implements [audio.OutputContext]. It stops the render goroutine, waits
// for it to exit, and closes the sink.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.voices = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.sink.Close()
}

func (c *Context) run(ctx context.Context) {
	defer close(c.done)
	buf := make([]byte, c.quantumFrames()*int64(c.format.Channels)*2)
	for {
		if ctx.Err() != nil {
			return
		}
		c.fireDue()
		frame := c.mix(buf)
		if err := c.sink.Write(ctx, frame); err != nil {
			if ctx.Err() == nil {
				slog.Warn("output: sink write failed, stopping render loop", "err", err)
			}
			return
		}
	}
}

func (c *Context) quantumFrames() int64 {
	return max(audio.DurationToFrames(c.quantum, c.format.SampleRate), 1)
}

// fireDue invokes, without the lock held, the onEnded callbacks of every voice
// whose final sample falls within the next quantum. A callback that schedules a
// follow-up buffer at the finished buffer's end time therefore lands in the same
// quantum, which keeps back-to-back playback gapless. Callbacks scheduled by
// callbacks are handled in the same pass.
func (c *Context) fireDue() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		to := c.rendered + c.quantumFrames()
		var due []func()
		for _, v := range c.voices {
			if !v.fired && v.endFrame <= to {
				v.fired = true
				if v.onEnded != nil {
					due = append(due, v.onEnded)
				}
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		for _, fn := range due {
			fn()
		}
	}
}

// mix renders one quantum into buf, drops finished voices, and advances the clock.
func (c *Context) mix(buf []byte) audio.AudioFrame {
	clear(buf)
	bytesPerFrame := int64(c.format.Channels * 2)

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.rendered
	to := from + int64(len(buf))/bytesPerFrame

	kept := c.voices[:0]
	for _, v := range c.voices {
		// Overlap of [v.startFrame, v.endFrame) with [from, to).
		lo := max(v.startFrame, from)
		hi := min(v.endFrame, to)
		if lo < hi {
			src := v.data[(lo-v.startFrame)*bytesPerFrame : (hi-v.startFrame)*bytesPerFrame]
			audio.MixInto(buf[(lo-from)*bytesPerFrame:], src)
		}
		if v.endFrame > to {
			kept = append(kept, v)
		}
	}
	clear(c.voices[len(kept):])
	c.voices = kept
	c.rendered = to

	return audio.AudioFrame{
		Data:       buf,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  audio.FramesToDuration(from, c.format.SampleRate),
	}
}
