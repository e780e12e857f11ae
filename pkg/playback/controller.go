// Package playback turns text into gapless speech. A [Controller] sends each
// text to a [tts.Provider], decodes the returned audio into a single buffer,
// and schedules buffers back to back on an [audio.OutputContext].
//
// Scheduling follows a next-start cursor: every buffer starts at
// max(clock, cursor) and advances the cursor by its duration, and the output's
// end-of-buffer callback pulls the next buffer from the queue. Audio arriving
// while the queue is still playing therefore continues without a gap, and
// audio arriving after a stall starts immediately instead of in the past.
//
// Requests may complete in any order, but their audio is released into the
// queue strictly in the order SendText was called.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/decode"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

var (
	// ErrAborted is the cancellation cause of a request that was deliberately
	// abandoned by EndStream, a newer SendText, or Close. SendText treats it as
	// a normal outcome and returns nil.
	ErrAborted = errors.New("playback: request aborted")

	// ErrClosed is returned by SendText after Close.
	ErrClosed = errors.New("playback: controller closed")
)

// Chunk outcomes reported to a [Recorder].
const (
	OutcomeQueued      = "queued"
	OutcomeAborted     = "aborted"
	OutcomeDecodeError = "decode_error"
	OutcomeFailed      = "failed"
)

// Recorder receives playback measurements. internal/observe.Metrics satisfies it.
type Recorder interface {
	// RecordChunk counts one finished request by outcome.
	RecordChunk(ctx context.Context, outcome string)
	// RecordSynthesis records how long a request took from send to decoded audio.
	RecordSynthesis(ctx context.Context, d time.Duration, status string)
	// AddQueueDepth adjusts the number of buffers waiting for playback.
	AddQueueDepth(ctx context.Context, delta int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordChunk(context.Context, string)                    {}
func (nopRecorder) RecordSynthesis(context.Context, time.Duration, string) {}
func (nopRecorder) AddQueueDepth(context.Context, int64)                   {}

// State is a point-in-time view of a [Controller].
type State struct {
	// Connected reports whether an output context is open.
	Connected bool
	// Speaking reports whether a buffer is scheduled and has not yet ended.
	Speaking bool
	// QueueLen counts decoded buffers waiting for playback, including buffers
	// held back until an earlier request completes.
	QueueLen int
	// Pending counts requests that have not completed yet.
	Pending int
	// NextStartTime is the output clock position where the next buffer would
	// start if the clock has not passed it.
	NextStartTime time.Duration
	// Err is the most recent request failure, cleared by the next request
	// that completes successfully.
	Err error
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithVoice sets the voice passed to the provider with every request.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Controller) {
		c.voice = v
	}
}

// WithDecoder replaces [decode.Default].
func WithDecoder(d decode.Decoder) Option {
	return func(c *Controller) {
		if d != nil {
			c.decoder = d
		}
	}
}

// WithMetrics sets the measurement sink.
func WithMetrics(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStateObserver registers fn to be called with the new [State] whenever the
// externally visible state changes. fn is called without internal locks held
// but must not block.
func WithStateObserver(fn func(State)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// Controller is the streaming playback controller. It is safe for concurrent use.
type Controller struct {
	provider  tts.Provider
	newOutput audio.OutputFactory
	voice     tts.VoiceProfile
	decoder   decode.Decoder
	metrics   Recorder
	log       *slog.Logger
	observer  func(State)

	mu        sync.Mutex
	out       audio.OutputContext
	gen       uint64 // bumped whenever out is replaced; stale callbacks compare against it
	queue     []*audio.Buffer
	nextStart time.Duration
	speaking  bool
	closed    bool
	err       error

	// current is the tracked in-flight request; only it can be aborted.
	cancel  context.CancelCauseFunc
	current uint64
	nextSeq uint64
	pending int
	order   reorderBuffer

	obsMu sync.Mutex
	last  State
}

// New creates a Controller synthesising through provider and playing on an
// output context obtained from newOutput.
func New(provider tts.Provider, newOutput audio.OutputFactory, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errors.New("playback: provider must not be nil")
	}
	if newOutput == nil {
		return nil, errors.New("playback: output factory must not be nil")
	}
	c := &Controller{
		provider:  provider,
		newOutput: newOutput,
		decoder:   decode.Default,
		metrics:   nopRecorder{},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	out, err := newOutput()
	if err != nil {
		return nil, fmt.Errorf("playback: open output: %w", err)
	}
	c.out = out
	c.nextStart = out.CurrentTime()
	c.last = c.snapshotLocked()
	return c, nil
}

// SendText synthesises text and queues the decoded audio for playback. It
// blocks until the request completes.
//
// If an earlier request is still in flight and nothing is queued or playing,
// that request is aborted in favour of this one. Otherwise it is left alone
// and its audio plays first.
//
// When allowTrigger is false the audio is queued but an idle scheduler is not
// started; call [Controller.Play] to start it. A scheduler that is already
// running picks the audio up regardless.
//
// Blank text is a no-op. A deliberate abort returns nil, and a decode failure
// drops the audio and returns nil. A provider failure is returned and also
// reported by [Controller.Err]. Cancelling ctx returns ctx.Err().
func (c *Controller) SendText(ctx context.Context, text string, allowTrigger bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil && c.idleLocked() {
		c.log.Debug("playback: aborting previous request, nothing queued", "seq", c.current)
		c.cancel(ErrAborted)
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	seq := c.nextSeq
	c.nextSeq++
	c.cancel = cancel
	c.current = seq
	c.pending++
	c.mu.Unlock()
	c.notify()
	defer cancel(nil)

	start := time.Now()
	buf, err := c.fetch(reqCtx, text)

	var (
		outcome = OutcomeQueued
		result  error
	)
	var decErr *decodeError
	c.mu.Lock()
	// Aborts are issued under c.mu, so audio of a request aborted before this
	// point never reaches the queue.
	switch {
	case errors.Is(context.Cause(reqCtx), ErrAborted):
		outcome = OutcomeAborted
		buf = nil
		c.log.Debug("playback: request aborted", "seq", seq)
	case err == nil:
	case ctx.Err() != nil:
		outcome = OutcomeAborted
		result = ctx.Err()
	case errors.As(err, &decErr):
		outcome = OutcomeDecodeError
		c.log.Warn("playback: dropping undecodable audio", "seq", seq, "err", decErr.err)
	default:
		outcome = OutcomeFailed
		result = err
		c.log.Error("playback: synthesis failed", "seq", seq, "err", err)
	}
	if c.current == seq {
		c.cancel = nil
	}
	c.pending--
	switch outcome {
	case OutcomeQueued:
		c.err = nil
	case OutcomeFailed:
		c.err = err
	}
	if c.closed {
		buf = nil
	}
	released := c.order.complete(seq, buf)
	c.queue = append(c.queue, released...)
	if len(released) > 0 {
		c.metrics.AddQueueDepth(context.Background(), int64(len(released)))
	}
	if allowTrigger && !c.speaking {
		c.playNextLocked()
	}
	c.mu.Unlock()

	c.metrics.RecordChunk(ctx, outcome)
	if outcome != OutcomeAborted {
		c.metrics.RecordSynthesis(ctx, time.Since(start), outcome)
	}
	c.notify()
	return result
}

// decodeError marks audio that arrived intact but could not be decoded.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "playback: decode audio: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// fetch performs one synthesis request and decodes the complete body.
func (c *Controller) fetch(ctx context.Context, text string) (*audio.Buffer, error) {
	c.mu.Lock()
	voice := c.voice
	c.mu.Unlock()
	stream, err := c.provider.Synthesize(ctx, tts.Request{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("playback: synthesize: %w", err)
	}
	data, err := stream.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	buf, err := c.decoder.Decode(data, stream.ContentType)
	if err != nil {
		return nil, &decodeError{err: err}
	}
	return buf, nil
}

// SetVoice changes the voice used by requests started after the call.
func (c *Controller) SetVoice(v tts.VoiceProfile) {
	c.mu.Lock()
	c.voice = v
	c.mu.Unlock()
}

// idleLocked reports whether nothing is queued, held, or playing.
func (c *Controller) idleLocked() bool {
	return len(c.queue) == 0 && c.order.heldAudio() == 0 && !c.speaking
}

// formatted is implemented by outputs that render at a fixed format, such as
// output.Context. Buffers are converted before scheduling so the cursor
// advances by the length that is actually rendered.
type formatted interface {
	Format() audio.Format
}

// playNextLocked schedules the head of the queue, or marks the controller as
// not speaking when the queue is empty. Buffers the output refuses are dropped
// and the next one is tried.
func (c *Controller) playNextLocked() {
	for {
		if c.out == nil || len(c.queue) == 0 {
			c.speaking = false
			return
		}
		buf := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.metrics.AddQueueDepth(context.Background(), -1)

		if f, ok := c.out.(formatted); ok {
			converted, err := audio.ConvertBuffer(buf, f.Format())
			if err != nil {
				c.log.Warn("playback: dropping unconvertible buffer", "err", err)
				continue
			}
			buf = converted
		}

		now := c.out.CurrentTime()
		startAt := max(now, c.nextStart)
		if gap := startAt - c.nextStart; c.speaking && gap > 0 {
			c.log.Debug("playback: scheduling after stall", "gap", gap)
		}
		c.nextStart = startAt + buf.Duration()

		gen := c.gen
		if err := c.out.Schedule(buf, startAt, func() { c.chunkEnded(gen) }); err != nil {
			c.log.Warn("playback: output refused buffer", "err", err)
			c.nextStart = startAt
			continue
		}
		c.speaking = true
		return
	}
}

// chunkEnded is the end-of-buffer callback. It advances the queue unless the
// output it was scheduled on has since been replaced.
func (c *Controller) chunkEnded(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.playNextLocked()
	c.mu.Unlock()
	c.notify()
}

// Play starts the scheduler if it is idle and audio is queued.
func (c *Controller) Play() {
	c.mu.Lock()
	if !c.closed && !c.speaking {
		c.playNextLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// EndStream aborts the tracked in-flight request. Queued and playing audio is
// untouched.
func (c *Controller) EndStream() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel(ErrAborted)
		c.cancel = nil
	}
	c.mu.Unlock()
}

// StopPlayback is a hard reset for barge-in: the queue is emptied, the
// controller stops speaking, and the output context is closed and replaced by a
// fresh one whose clock resets the next-start cursor. In-flight requests are
// not aborted; their audio plays on the new output.
func (c *Controller) StopPlayback() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	dropped := len(c.queue)
	clear(c.queue)
	c.queue = c.queue[:0]
	c.order.dropAudio()
	c.speaking = false
	c.gen++
	gen := c.gen
	old := c.out
	c.out = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.metrics.AddQueueDepth(context.Background(), -int64(dropped))
	}
	c.notify()

	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Warn("playback: close output", "err", err)
		}
	}
	out, err := c.newOutput()

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		if out != nil {
			_ = out.Close()
		}
		return
	}
	if err != nil {
		c.err = fmt.Errorf("playback: open output: %w", err)
		c.log.Error("playback: replacing output failed", "err", err)
	} else {
		c.out = out
		c.nextStart = out.CurrentTime()
		if !c.speaking {
			c.playNextLocked()
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Close aborts the in-flight request, discards all audio, and closes the
// output context. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel(ErrAborted)
		c.cancel = nil
	}
	dropped := len(c.queue)
	c.queue = nil
	c.order.dropAudio()
	c.speaking = false
	c.gen++
	old := c.out
	c.out = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.metrics.AddQueueDepth(context.Background(), -int64(dropped))
	}
	c.notify()
	if old != nil {
		return old.Close()
	}
	return nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	return State{
		Connected:     c.out != nil && !c.closed,
		Speaking:      c.speaking,
		QueueLen:      len(c.queue) + c.order.heldAudio(),
		Pending:       c.pending,
		NextStartTime: c.nextStart,
		Err:           c.err,
	}
}

// equal compares states, treating errors with the same message as equal.
func (s State) equal(o State) bool {
	if (s.Err == nil) != (o.Err == nil) || (s.Err != nil && s.Err.Error() != o.Err.Error()) {
		return false
	}
	s.Err, o.Err = nil, nil
	return s == o
}

// IsConnected reports whether an output context is open.
func (c *Controller) IsConnected() bool { return c.Snapshot().Connected }

// IsSpeaking reports whether audio is playing.
func (c *Controller) IsSpeaking() bool { return c.Snapshot().Speaking }

// Err returns the most recent request failure, or nil.
func (c *Controller) Err() error { return c.Snapshot().Err }

// notify calls the observer if the visible state changed since the last call.
func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	s := c.Snapshot()
	if s.equal(c.last) {
		return
	}
	c.last = s
	c.observer(s)
}
