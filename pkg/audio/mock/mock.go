// Package mock provides in-memory mock implementations of the [audio.InputDevice],
// [audio.InputStream], and [audio.OutputContext] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 44100, Channels: 1})
//	dev := &mock.InputDevice{OpenResult: stream}
//	out := mock.NewOutputContext()
//	out.Advance(250 * time.Millisecond) // fires onEnded for finished buffers
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Frames pushed
// with [InputStream.Push] are delivered on [InputStream.Frames].
type InputStream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	format audio.Format
	closed bool

	// CloseError is returned by [InputStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream delivering frames in format.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{
		frames: make(chan audio.AudioFrame, 64),
		format: format,
	}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Push delivers a frame to the stream. It is a no-op after Close.
func (s *InputStream) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- f
}

// Close implements [audio.InputStream]. The frames channel is closed on the
// first call only.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [InputDevice.Open] invocation.
type OpenCall struct {
	// Constraints is the constraints argument passed to Open.
	Constraints audio.CaptureConstraints
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open.
	OpenResult audio.InputStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.InputDevice]. Records the call and returns OpenResult / OpenError.
func (d *InputDevice) Open(_ context.Context, c audio.CaptureConstraints) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Constraints: c})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// ScheduleCall records a single [OutputContext.Schedule] invocation.
type ScheduleCall struct {
	// At is the requested start position.
	At time.Duration
	// Start is the effective start position (At, or the clock if At was in the past).
	Start time.Duration
	// Duration is the duration of the scheduled buffer.
	Duration time.Duration
	// Buffer is the scheduled buffer.
	Buffer *audio.Buffer
}

type pending struct {
	end     time.Duration
	onEnded func()
}

// OutputContext is a mock implementation of [audio.OutputContext] driven by a
// manual clock. Time only moves when the test calls [OutputContext.Advance].
type OutputContext struct {
	mu      sync.Mutex
	now     time.Duration
	closed  bool
	pending []pending

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// ScheduleCalls records all successful Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputContext returns a context whose clock starts at zero.
func NewOutputContext() *OutputContext {
	return &OutputContext{}
}

// NewOutputContextAt returns a context whose clock starts at now.
func NewOutputContextAt(now time.Duration) *OutputContext {
	return &OutputContext{now: now}
}

// CurrentTime implements [audio.OutputContext].
func (o *OutputContext) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.OutputContext].
func (o *OutputContext) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrContextClosed
	}
	if o.ScheduleError != nil {
		return o.ScheduleError
	}
	start := max(at, o.now)
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{
		At:       at,
		Start:    start,
		Duration: buf.Duration(),
		Buffer:   buf,
	})
	o.pending = append(o.pending, pending{end: start + buf.Duration(), onEnded: onEnded})
	return nil
}

// Advance moves the clock forward by d and invokes, in end-time order, the
// onEnded callbacks of every buffer that has finished. Callbacks run on the
// calling goroutine without the mock's lock held, so they may schedule more
// buffers; a buffer scheduled by a callback that also finishes within the
// advanced window fires during the same call.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	target := o.now + d
	o.mu.Unlock()

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		sort.SliceStable(o.pending, func(i, j int) bool { return o.pending[i].end < o.pending[j].end })
		if len(o.pending) == 0 || o.pending[0].end > target {
			o.now = target
			o.mu.Unlock()
			return
		}
		p := o.pending[0]
		o.pending = o.pending[1:]
		o.now = max(o.now, p.end)
		o.mu.Unlock()

		if p.onEnded != nil {
			p.onEnded()
		}
	}
}

// Pending reports how many scheduled buffers have not yet finished.
func (o *OutputContext) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Calls returns a copy of ScheduleCalls.
func (o *OutputContext) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Close implements [audio.OutputContext]. Pending callbacks are discarded.
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	o.pending = nil
	return nil
}

// Closed reports whether Close has been called.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── OutputFactory ────────────────────────────────────────────────────────────

// OutputFactory hands out mock output contexts and records each one.
type OutputFactory struct {
	mu sync.Mutex

	// Start is the initial clock position of every created context.
	Start time.Duration

	// Err, if non-nil, is returned by New instead of a context.
	Err error

	// Created records every context returned by New, in order.
	Created []*OutputContext
}

// New implements [audio.OutputFactory].
func (f *OutputFactory) New() (audio.OutputContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewOutputContextAt(f.Start)
	f.Created = append(f.Created, c)
	return c, nil
}

// Last returns the most recently created context, or nil.
func (f *OutputFactory) Last() *OutputContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Created) == 0 {
		return nil
	}
	return f.Created[len(f.Created)-1]
}
