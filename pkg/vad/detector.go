// Package vad classifies a live audio stream as voice or silence and signals
// lifecycle and auto-stop events to its owner.
//
// The package has three layers:
//
//   - Pure per-frame features ([Volume], [SpeechBandEnergy], [NoiseGate],
//     [Classify]) computed from byte frequency data.
//   - [Machine], an explicit state machine (Idle → Calibrating → Listening ⇄
//     Speaking → AutoStopped) that turns features into events. It has no
//     goroutines and no clock and is tested with synthetic bins.
//   - [Detector], which owns an input stream and a frequency analyser, runs
//     the calibration window and a ticker-driven analysis loop, and delivers
//     the machine's events through [Callbacks] and subscriber channels.
//
// Each Detector owns its input stream exclusively; two detectors must not share
// a stream.
package vad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/analyser"
)

const (
	// DefaultFrameInterval approximates one analysis per rendered display frame.
	DefaultFrameInterval = 16 * time.Millisecond

	// DefaultCalibrationWindow is how long background noise is sampled.
	DefaultCalibrationWindow = 2 * time.Second

	defaultSubscriberBuffer = 256
)

// FrequencyAnalyser is the frequency-domain view of the input stream the
// detector reads every frame. [*analyser.Analyser] implements it.
type FrequencyAnalyser interface {
	Write(frame audio.AudioFrame)
	FrequencyBinCount() int
	ByteFrequencyData(dst []uint8) int
	SampleRate() int
}

// AnalyserFactory builds a [FrequencyAnalyser] for the given FFT size,
// smoothing constant, and capture rate.
type AnalyserFactory func(fftSize int, smoothing float64, sampleRate int) (FrequencyAnalyser, error)

func defaultAnalyserFactory(fftSize int, smoothing float64, sampleRate int) (FrequencyAnalyser, error) {
	return analyser.New(fftSize, smoothing, sampleRate)
}

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithCallbacks sets the callbacks invoked for every event.
func WithCallbacks(cb Callbacks) Option {
	return func(d *Detector) { d.callbacks = cb }
}

// WithClock replaces the wall clock, typically with a fake in tests.
func WithClock(c Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithFrameInterval sets the analysis period. Defaults to [DefaultFrameInterval].
func WithFrameInterval(interval time.Duration) Option {
	return func(d *Detector) {
		if interval > 0 {
			d.frameInterval = interval
		}
	}
}

// WithCalibrationWindow sets the calibration length. Defaults to
// [DefaultCalibrationWindow].
func WithCalibrationWindow(window time.Duration) Option {
	return func(d *Detector) {
		if window > 0 {
			d.calibrationWindow = window
		}
	}
}

// WithAnalyserFactory replaces the FFT analyser.
func WithAnalyserFactory(f AnalyserFactory) Option {
	return func(d *Detector) { d.newAnalyser = f }
}

// Detector is a voice activity detector bound to one input device.
//
// All methods are safe for concurrent use.
type Detector struct {
	input             audio.InputDevice
	callbacks         Callbacks
	clock             Clock
	frameInterval     time.Duration
	calibrationWindow time.Duration
	newAnalyser       AnalyserFactory

	mu          sync.Mutex
	machine     *Machine
	stream      audio.InputStream
	analyser    FrequencyAnalyser
	bins        []uint8
	init        *initAttempt // running or successful Initialize
	initialized bool
	disposed    bool
	calCancel   context.CancelFunc
	loopStop    chan struct{} // non-nil while the analysis loop runs
	pumpDone    chan struct{}

	// Events leave in the order they were appended to outbox, which happens
	// under mu together with the state change that produced them.
	outbox     []outgoing
	delivering bool

	subMu      sync.Mutex
	subs       map[int]chan Event
	subsClosed bool
	nextSub    int
	dropped    atomic.Uint64
}

type initAttempt struct {
	done chan struct{}
	err  error // set before done is closed
}

// outgoing is an event awaiting delivery, or the marker that closes every
// subscriber channel after the events queued before it.
type outgoing struct {
	event     Event
	closeSubs bool
}

// New returns a Detector that captures from input with cfg. cfg is validated.
func New(input audio.InputDevice, cfg Config, opts ...Option) (*Detector, error) {
	if input == nil {
		return nil, fmt.Errorf("vad: input device must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		input:             input,
		clock:             SystemClock{},
		frameInterval:     DefaultFrameInterval,
		calibrationWindow: DefaultCalibrationWindow,
		newAnalyser:       defaultAnalyserFactory,
		machine:           NewMachine(cfg),
		subs:              make(map[int]chan Event),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Initialize opens the input device with echo cancellation, noise suppression,
// and automatic gain control requested, builds the frequency analyser, and
// runs background-noise calibration before returning. Device failures are
// reported through OnError and returned as a [*MicrophoneAccessError].
// Calling Initialize again after success is a no-op. A call made while
// another Initialize is still opening the device or calibrating waits for it
// and returns its result, or ctx.Err() if ctx ends first.
func (d *Detector) Initialize(ctx context.Context) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	if a := d.init; a != nil {
		d.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.initialized {
		// An earlier attempt opened the device but calibration was cut short.
		d.mu.Unlock()
		return nil
	}
	a := &initAttempt{done: make(chan struct{})}
	d.init = a
	cfg := d.machine.Config()
	d.mu.Unlock()

	err := d.initialize(ctx, cfg)
	d.mu.Lock()
	a.err = err
	if err != nil {
		d.init = nil
	}
	close(a.done)
	d.mu.Unlock()
	return err
}

func (d *Detector) initialize(ctx context.Context, cfg Config) error {
	slog.Info("vad: initializing", "sampleRate", cfg.SampleRate, "fftSize", cfg.AnalyzerFFTSize)

	stream, err := d.input.Open(ctx, audio.DefaultCaptureConstraints(cfg.SampleRate))
	if err != nil {
		return d.failInit(&MicrophoneAccessError{Err: err})
	}
	rate := stream.Format().SampleRate
	if rate <= 0 {
		rate = cfg.SampleRate
	}
	an, err := d.newAnalyser(cfg.AnalyzerFFTSize, cfg.SmoothingTimeConstant, rate)
	if err != nil {
		_ = stream.Close()
		return d.failInit(fmt.Errorf("vad: build analyser: %w", err))
	}

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		_ = stream.Close()
		return ErrDisposed
	}
	d.stream = stream
	d.analyser = an
	d.bins = make([]uint8, an.FrequencyBinCount())
	d.initialized = true
	d.pumpDone = make(chan struct{})
	go d.pump(stream, d.pumpDone)
	d.mu.Unlock()

	slog.Info("vad: initialized", "captureRate", rate, "bins", an.FrequencyBinCount())
	return d.calibrate(ctx)
}

func (d *Detector) failInit(err error) error {
	slog.Error("vad: initialization failed", "err", err)
	d.mu.Lock()
	d.queueLocked(Event{Type: EventError, At: d.clock.Now(), Err: err})
	d.mu.Unlock()
	d.deliver()
	return err
}

// pump feeds captured frames into the current analyser until the stream ends.
func (d *Detector) pump(stream audio.InputStream, done chan struct{}) {
	defer close(done)
	for frame := range stream.Frames() {
		d.mu.Lock()
		an := d.analyser
		d.mu.Unlock()
		if an != nil {
			an.Write(frame)
		}
	}
}

// Recalibrate re-runs background-noise calibration. While detection runs it
// logs a warning and returns nil without calibrating.
func (d *Detector) Recalibrate(ctx context.Context) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	if !d.initialized {
		d.mu.Unlock()
		return ErrNotInitialized
	}
	if d.machine.State().Detecting() {
		d.mu.Unlock()
		slog.Warn("vad: cannot recalibrate while detecting")
		return nil
	}
	d.mu.Unlock()
	return d.calibrate(ctx)
}

// calibrate samples the volume every frame for the calibration window.
func (d *Detector) calibrate(ctx context.Context) error {
	d.mu.Lock()
	if d.calCancel != nil {
		d.mu.Unlock()
		return ErrCalibrating
	}
	if !d.machine.BeginCalibration() {
		d.mu.Unlock()
		slog.Warn("vad: cannot recalibrate while detecting")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	d.calCancel = cancel
	deadline := d.clock.Now().Add(d.calibrationWindow)
	ticker := d.clock.NewTicker(d.frameInterval)
	d.mu.Unlock()

	defer cancel()
	defer ticker.Stop()

	slog.Info("vad: calibrating background noise", "window", d.calibrationWindow)
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.machine.CancelCalibration()
			d.calCancel = nil
			disposed := d.disposed
			d.mu.Unlock()
			if disposed {
				return ErrDisposed
			}
			return ctx.Err()
		case now := <-ticker.C():
			d.mu.Lock()
			d.machine.AddCalibrationSample(d.analyseLocked())
			if now.Before(deadline) {
				d.mu.Unlock()
				continue
			}
			d.machine.FinishCalibration()
			d.calCancel = nil
			snap := d.machine.Snapshot()
			d.mu.Unlock()
			slog.Info("vad: calibration complete",
				"backgroundNoise", snap.BackgroundNoiseLevel,
				"threshold", snap.EffectiveThreshold,
				"samples", snap.CalibrationSamples,
			)
			return nil
		}
	}
}

// analyseLocked reads the analyser and computes frame features.
// The caller must hold d.mu.
func (d *Detector) analyseLocked() Features {
	if d.analyser == nil {
		return Features{}
	}
	n := d.analyser.ByteFrequencyData(d.bins)
	return Analyze(d.bins[:n], d.analyser.SampleRate())
}

// StartDetection starts the per-frame analysis loop and the recording timer.
// Calling it while detection runs is a no-op.
func (d *Detector) StartDetection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.disposed:
		return ErrDisposed
	case !d.initialized:
		return ErrNotInitialized
	case d.machine.State().Detecting():
		return nil
	case d.calCancel != nil:
		return ErrCalibrating
	}
	if !d.machine.Start(d.clock.Now()) {
		return ErrCalibrating
	}
	stop := make(chan struct{})
	d.loopStop = stop
	go d.loop(d.clock.NewTicker(d.frameInterval), stop)
	slog.Info("vad: detection started", "threshold", d.machine.Threshold())
	return nil
}

// StopDetection stops the analysis loop and resets voice activity. Calling it
// while detection is not running is a no-op.
func (d *Detector) StopDetection() {
	d.mu.Lock()
	if !d.machine.State().Detecting() {
		d.mu.Unlock()
		return
	}
	d.queueLocked(d.machine.Stop(d.clock.Now())...)
	d.stopLoopLocked()
	d.mu.Unlock()

	d.deliver()
	slog.Info("vad: detection stopped")
}

func (d *Detector) stopLoopLocked() {
	if d.loopStop != nil {
		close(d.loopStop)
		d.loopStop = nil
	}
}

func (d *Detector) loop(ticker Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			d.mu.Lock()
			if d.loopStop != stop {
				d.mu.Unlock()
				return
			}
			d.queueLocked(d.machine.Step(d.analyseLocked(), now)...)
			finished := !d.machine.State().Detecting()
			if finished {
				d.loopStop = nil
			}
			d.mu.Unlock()

			d.deliver()
			if finished {
				return
			}
		}
	}
}

// UpdateConfig merges p into the live configuration. A changed FFT size or
// smoothing constant rebuilds the analyser.
func (d *Detector) UpdateConfig(p ConfigPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.machine.Config()
	if err := d.machine.ApplyConfig(p); err != nil {
		return err
	}
	next := d.machine.Config()

	if d.analyser != nil && (prev.AnalyzerFFTSize != next.AnalyzerFFTSize || prev.SmoothingTimeConstant != next.SmoothingTimeConstant) {
		an, err := d.newAnalyser(next.AnalyzerFFTSize, next.SmoothingTimeConstant, d.analyser.SampleRate())
		if err != nil {
			return fmt.Errorf("vad: rebuild analyser: %w", err)
		}
		d.analyser = an
		d.bins = make([]uint8, an.FrequencyBinCount())
	}
	slog.Info("vad: configuration updated",
		"adaptive", next.AdaptiveThreshold,
		"threshold", d.machine.Threshold(),
	)
	return nil
}

// State returns a snapshot of the runtime state.
func (d *Detector) State() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Snapshot()
}

// Disposed reports whether Dispose has been called.
func (d *Detector) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Dispose stops detection, cancels calibration, closes the input stream, and
// closes all subscriber channels once the final events have been delivered.
// It is safe to call more than once.
func (d *Detector) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.queueLocked(d.machine.Stop(d.clock.Now())...)
	d.outbox = append(d.outbox, outgoing{closeSubs: true})
	d.stopLoopLocked()
	if d.calCancel != nil {
		d.calCancel()
	}
	stream, pumpDone := d.stream, d.pumpDone
	d.stream = nil
	d.mu.Unlock()

	d.deliver()

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("vad: close input stream", "err", err)
		}
		<-pumpDone
	}

	d.mu.Lock()
	d.analyser = nil
	d.mu.Unlock()
	slog.Info("vad: disposed", "droppedEvents", d.dropped.Load())
}

// ---- events ----

// Subscribe returns a channel receiving every event, and a function that
// cancels the subscription. Events are dropped, not queued without bound, when
// the subscriber falls more than buffer events behind. The channel is closed
// on cancel or Dispose.
func (d *Detector) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			if c, ok := d.subs[id]; ok {
				close(c)
				delete(d.subs, id)
			}
		})
	}
}

// DroppedEvents reports how many events subscribers missed.
func (d *Detector) DroppedEvents() uint64 { return d.dropped.Load() }

// queueLocked appends events to the outbox. The caller must hold d.mu and
// call [Detector.deliver] after releasing it.
func (d *Detector) queueLocked(events ...Event) {
	for _, e := range events {
		d.outbox = append(d.outbox, outgoing{event: e})
	}
}

// deliver drains the outbox unless another goroutine is already draining it,
// in which case that goroutine also delivers what was queued here. Callbacks
// may therefore call back into the detector; their own events follow the
// ones being delivered. It must be called without d.mu held.
func (d *Detector) deliver() {
	d.mu.Lock()
	if d.delivering {
		d.mu.Unlock()
		return
	}
	d.delivering = true
	for len(d.outbox) > 0 {
		batch := d.outbox
		d.outbox = nil
		d.mu.Unlock()
		for _, o := range batch {
			if o.closeSubs {
				d.closeSubscribers()
			} else {
				d.emit(o.event)
			}
		}
		d.mu.Lock()
	}
	d.delivering = false
	d.mu.Unlock()
}

func (d *Detector) closeSubscribers() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subsClosed = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
}

// emit hands e to the callbacks and to every subscriber.
func (d *Detector) emit(e Event) {
	d.callbacks.dispatch(e)

	d.subMu.Lock()
	for _, ch := range d.subs {
		select {
		case ch <- e:
		default:
			d.dropped.Add(1)
		}
	}
	d.subMu.Unlock()

	switch e.Type {
	case EventVoiceStart:
		slog.Debug("vad: voice activity started")
	case EventVoiceEnd:
		slog.Debug("vad: voice activity ended")
	case EventAutoStop:
		slog.Info("vad: auto-stop", "reason", string(e.Reason))
	}
}
