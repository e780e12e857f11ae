package vad

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mock"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakeTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeClock advances only when the test ticks it. Each tick moves time by
// the ticker interval and is delivered on the newest running ticker.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	interval time.Duration
	tickers  []*fakeTicker
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
	t := &fakeTicker{c: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) active() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.tickers) - 1; i >= 0; i-- {
		if !c.tickers[i].isStopped() {
			return c.tickers[i]
		}
	}
	return nil
}

// tick delivers one tick, waiting for a ticker to be created and received from.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if tk := c.active(); tk != nil {
			c.mu.Lock()
			next := c.now.Add(c.interval)
			c.mu.Unlock()
			select {
			case tk.c <- next:
				c.mu.Lock()
				c.now = next
				c.mu.Unlock()
				return
			case <-time.After(5 * time.Millisecond):
			case <-deadline:
				t.Fatal("tick not received")
			}
			continue
		}
		select {
		case <-time.After(time.Millisecond):
		case <-deadline:
			t.Fatal("no running ticker")
		}
	}
}

// fakeAnalyser reports every bin at a level set by the test.
type fakeAnalyser struct {
	mu      sync.Mutex
	level   uint8
	fftSize int
	written int
}

func (a *fakeAnalyser) Write(audio.AudioFrame) {
	a.mu.Lock()
	a.written++
	a.mu.Unlock()
}

func (a *fakeAnalyser) FrequencyBinCount() int { return a.fftSize / 2 }
func (a *fakeAnalyser) SampleRate() int        { return 44100 }

func (a *fakeAnalyser) ByteFrequencyData(dst []uint8) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := min(len(dst), a.fftSize/2)
	for i := 0; i < n; i++ {
		dst[i] = a.level
	}
	return n
}

func (a *fakeAnalyser) set(level uint8) {
	a.mu.Lock()
	a.level = level
	a.mu.Unlock()
}

type harness struct {
	det      *Detector
	clock    *fakeClock
	stream   *mock.InputStream
	device   *mock.InputDevice
	analyser *fakeAnalyser
	built    int

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:  newFakeClock(),
		stream: mock.NewInputStream(audio.Format{SampleRate: 44100, Channels: 1}),
	}
	h.device = &mock.InputDevice{OpenResult: h.stream}
	factory := func(fftSize int, _ float64, _ int) (FrequencyAnalyser, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.built++
		level := uint8(0)
		if h.analyser != nil {
			h.analyser.mu.Lock()
			level = h.analyser.level
			h.analyser.mu.Unlock()
		}
		h.analyser = &fakeAnalyser{fftSize: fftSize, level: level}
		return h.analyser, nil
	}
	det, err := New(h.device, cfg,
		WithClock(h.clock),
		WithFrameInterval(10*time.Millisecond),
		WithCalibrationWindow(100*time.Millisecond),
		WithAnalyserFactory(factory),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.det = det
	t.Cleanup(det.Dispose)
	return h
}

func (h *harness) setLevel(level uint8) {
	h.mu.Lock()
	an := h.analyser
	h.mu.Unlock()
	an.set(level)
}

// initialize runs Initialize while ticking through the calibration window.
func (h *harness) initialize(t *testing.T, level uint8) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.det.Initialize(context.Background()) }()

	for {
		h.mu.Lock()
		ready := h.analyser != nil
		h.mu.Unlock()
		if ready {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.setLevel(level)
	for i := 0; i < 10; i++ {
		h.clock.tick(t)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return")
	}
}

func (h *harness) subscribe() {
	ch, _ := h.det.Subscribe(4096)
	go func() {
		for e := range ch {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		}
	}()
}

func (h *harness) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, e := range h.events {
			if e.Type == typ {
				h.mu.Unlock()
				return e
			}
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %v event", typ)
	return Event{}
}

func volumeConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableEnergyBasedDetection = false
	cfg.VoiceStartDelay = 0
	return cfg
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil device")
	}
	cfg := DefaultConfig()
	cfg.AnalyzerFFTSize = 3
	if _, err := New(&mock.InputDevice{}, cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestDetector_InitializeCalibrates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	// 0.04 * 255 ≈ 10: a quiet but noticeable room.
	h.initialize(t, 10)

	snap := h.det.State()
	if !snap.IsCalibrated {
		t.Fatal("not calibrated")
	}
	wantBG := 10.0 / 255
	if !approx(snap.BackgroundNoiseLevel, wantBG) {
		t.Errorf("background = %v, want %v", snap.BackgroundNoiseLevel, wantBG)
	}
	if !approx(snap.EffectiveThreshold, wantBG*3) {
		t.Errorf("threshold = %v, want %v", snap.EffectiveThreshold, wantBG*3)
	}
	if snap.State != StateIdle {
		t.Errorf("state = %v, want idle", snap.State)
	}

	calls := h.device.OpenCalls
	if len(calls) != 1 {
		t.Fatalf("Open called %d times", len(calls))
	}
	c := calls[0].Constraints
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl || c.SampleRate != 44100 {
		t.Errorf("constraints = %+v", c)
	}

	// Second Initialize is a no-op.
	if err := h.det.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
}

func TestDetector_MicrophoneError(t *testing.T) {
	t.Parallel()

	var gotErr error
	dev := &mock.InputDevice{OpenError: audio.ErrPermissionDenied}
	det, err := New(dev, DefaultConfig(), WithCallbacks(Callbacks{
		OnError: func(err error) { gotErr = err },
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer det.Dispose()

	err = det.Initialize(context.Background())
	if !errors.Is(err, ErrMicrophoneAccess) {
		t.Fatalf("err = %v, want ErrMicrophoneAccess", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("err = %v, should wrap ErrPermissionDenied", err)
	}
	var mae *MicrophoneAccessError
	if !errors.As(err, &mae) {
		t.Errorf("err is not a *MicrophoneAccessError")
	}
	if !errors.Is(gotErr, ErrMicrophoneAccess) {
		t.Errorf("OnError got %v", gotErr)
	}
	if err := det.StartDetection(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartDetection = %v, want ErrNotInitialized", err)
	}
}

func TestDetector_StartBeforeInitialize(t *testing.T) {
	t.Parallel()

	det, err := New(&mock.InputDevice{}, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := det.StartDetection(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartDetection = %v, want ErrNotInitialized", err)
	}
	if err := det.Recalibrate(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Recalibrate = %v, want ErrNotInitialized", err)
	}
}

func TestDetector_VoiceStartAndEnd(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var starts, ends int
	h := newHarness(t, volumeConfig())
	h.det.callbacks = Callbacks{
		OnVoiceStart: func() { mu.Lock(); starts++; mu.Unlock() },
		OnVoiceEnd:   func() { mu.Lock(); ends++; mu.Unlock() },
	}
	h.initialize(t, 0)
	h.subscribe()

	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	if err := h.det.StartDetection(); err != nil {
		t.Errorf("second StartDetection: %v", err)
	}

	h.setLevel(200)
	h.clock.tick(t)
	h.waitFor(t, EventVoiceStart)
	if !h.det.State().IsVoiceActive {
		t.Error("voice should be active")
	}

	h.setLevel(0)
	h.clock.tick(t)
	h.waitFor(t, EventVoiceEnd)
	h.waitFor(t, EventSilence)

	h.det.StopDetection()
	h.det.StopDetection()

	mu.Lock()
	defer mu.Unlock()
	if starts != 1 || ends != 1 {
		t.Errorf("starts=%d ends=%d, want 1 and 1", starts, ends)
	}
	if h.det.State().IsDetecting {
		t.Error("still detecting after StopDetection")
	}
}

func TestDetector_StopWhileSpeakingEndsVoice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, volumeConfig())
	h.initialize(t, 0)
	h.subscribe()
	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	h.setLevel(200)
	h.clock.tick(t)
	h.waitFor(t, EventVoiceStart)

	h.det.StopDetection()
	h.waitFor(t, EventVoiceEnd)
	if h.det.State().IsVoiceActive {
		t.Error("voice still active after stop")
	}
}

func TestDetector_AutoStopMaxDuration(t *testing.T) {
	t.Parallel()

	cfg := volumeConfig()
	cfg.MinRecordingDuration = 20 * time.Millisecond
	cfg.MaxRecordingDuration = 50 * time.Millisecond

	var reason AutoStopReason
	var mu sync.Mutex
	h := newHarness(t, cfg)
	h.det.callbacks = Callbacks{OnAutoStop: func(r AutoStopReason) { mu.Lock(); reason = r; mu.Unlock() }}
	h.initialize(t, 0)
	h.subscribe()
	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	h.setLevel(200)
	for i := 0; i < 6; i++ {
		h.clock.tick(t)
	}
	e := h.waitFor(t, EventAutoStop)
	if e.Reason != AutoStopMaxDuration {
		t.Errorf("reason = %q, want maxDuration", e.Reason)
	}
	mu.Lock()
	if reason != AutoStopMaxDuration {
		t.Errorf("callback reason = %q", reason)
	}
	mu.Unlock()

	snap := h.det.State()
	if snap.IsDetecting || snap.State != StateAutoStopped {
		t.Errorf("state after auto-stop = %v", snap.State)
	}
	// Detection can be started again.
	if err := h.det.StartDetection(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestDetector_RecalibrateWhileDetectingIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.initialize(t, 10)
	before := h.det.State().BackgroundNoiseLevel

	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	if err := h.det.Recalibrate(context.Background()); err != nil {
		t.Errorf("Recalibrate while detecting = %v, want nil", err)
	}
	if got := h.det.State().BackgroundNoiseLevel; got != before {
		t.Errorf("background changed from %v to %v", before, got)
	}
}

func TestDetector_RecalibrateUpdatesBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.initialize(t, 5)

	done := make(chan error, 1)
	go func() { done <- h.det.Recalibrate(context.Background()) }()
	h.setLevel(20)
	for i := 0; i < 10; i++ {
		h.clock.tick(t)
	}
	if err := <-done; err != nil {
		t.Fatalf("Recalibrate: %v", err)
	}
	if got, want := h.det.State().BackgroundNoiseLevel, 20.0/255; !approx(got, want) {
		t.Errorf("background = %v, want %v", got, want)
	}
}

func TestDetector_UpdateConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.initialize(t, 10)

	if err := h.det.UpdateConfig(ConfigPatch{AdaptiveThreshold: Ptr(false)}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := h.det.State().EffectiveThreshold; got != 0.05 {
		t.Errorf("threshold = %v, want 0.05", got)
	}

	if err := h.det.UpdateConfig(ConfigPatch{AnalyzerFFTSize: Ptr(2048)}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	h.mu.Lock()
	built, size := h.built, h.analyser.fftSize
	h.mu.Unlock()
	if built != 2 || size != 2048 {
		t.Errorf("analyser built %d times with size %d, want 2 and 2048", built, size)
	}

	if err := h.det.UpdateConfig(ConfigPatch{AnalyzerFFTSize: Ptr(100)}); err == nil {
		t.Error("expected error for invalid FFT size")
	}
}

func TestDetector_DisposeIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, volumeConfig())
	h.initialize(t, 0)
	ch, _ := h.det.Subscribe(8)
	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}

	h.det.Dispose()
	h.det.Dispose()

	if !h.stream.Closed() {
		t.Error("input stream not closed")
	}
	if h.stream.CallCountClose != 1 {
		t.Errorf("stream closed %d times, want 1", h.stream.CallCountClose)
	}
	for range ch {
	}
	if err := h.det.StartDetection(); !errors.Is(err, ErrDisposed) {
		t.Errorf("StartDetection after Dispose = %v, want ErrDisposed", err)
	}
	if err := h.det.Initialize(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("Initialize after Dispose = %v, want ErrDisposed", err)
	}
	if !h.det.Disposed() {
		t.Error("Disposed() = false")
	}
}

func TestDetector_PumpFeedsAnalyser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	h.initialize(t, 0)
	h.stream.Push(audio.AudioFrame{Data: make([]byte, 320), SampleRate: 44100, Channels: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.analyser.mu.Lock()
		n := h.analyser.written
		h.analyser.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("frame never reached the analyser")
}

func TestDetector_SubscribeCancel(t *testing.T) {
	t.Parallel()

	det, err := New(&mock.InputDevice{}, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, cancel := det.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	det.Dispose()
	ch2, _ := det.Subscribe(1)
	if _, ok := <-ch2; ok {
		t.Error("subscription after Dispose should be closed")
	}
}

func TestDetector_StopDuringDeliveryKeepsOrder(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
		once  sync.Once
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	inVolume, release := make(chan struct{}), make(chan struct{})

	h := newHarness(t, volumeConfig())
	h.det.callbacks = Callbacks{
		// The first volume event of a frame precedes its voice start.
		OnVolumeChange: func(float64) { once.Do(func() { close(inVolume); <-release }) },
		OnVoiceStart:   func() { record("start") },
		OnVoiceEnd:     func() { record("end") },
	}
	h.initialize(t, 0)
	h.subscribe()
	if err := h.det.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	h.setLevel(200)
	h.clock.tick(t)

	select {
	case <-inVolume:
	case <-time.After(2 * time.Second):
		t.Fatal("volume callback not invoked")
	}
	stopped := make(chan struct{})
	go func() {
		h.det.StopDetection()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopDetection blocked behind a running callback")
	}
	close(release)

	h.waitFor(t, EventVoiceEnd)
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "start" || got[1] != "end" {
		t.Errorf("callback order = %v, want [start end]", got)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var seen []EventType
	for _, e := range h.events {
		if e.Type == EventVoiceStart || e.Type == EventVoiceEnd {
			seen = append(seen, e.Type)
		}
	}
	if len(seen) != 2 || seen[0] != EventVoiceStart || seen[1] != EventVoiceEnd {
		t.Errorf("subscriber order = %v, want start then end", seen)
	}
}

func TestDetector_ConcurrentInitializeWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultConfig())
	first := make(chan error, 1)
	go func() { first <- h.det.Initialize(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		ready := h.analyser != nil
		h.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analyser never built")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() { second <- h.det.Initialize(context.Background()) }()
	select {
	case err := <-second:
		t.Fatalf("second Initialize returned %v while the first was calibrating", err)
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.det.Initialize(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Initialize with cancelled ctx = %v, want context.Canceled", err)
	}

	for range 10 {
		h.clock.tick(t)
	}
	for name, ch := range map[string]chan error{"first": first, "second": second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("%s Initialize: %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s Initialize did not return", name)
		}
	}
	if n := len(h.device.OpenCalls); n != 1 {
		t.Errorf("Open called %d times, want 1", n)
	}
	if err := h.det.StartDetection(); err != nil {
		t.Errorf("StartDetection after both calls: %v", err)
	}
}
