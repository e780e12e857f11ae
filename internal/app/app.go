// Package app wires the murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the detector, the
// playback controller, and the HTTP surface; Run serves until the context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject mock devices and providers through [Providers] and
// tune the detector with [WithDetectorOptions].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/control"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/httpauth"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/ttsserver"
	"github.com/MrWong99/murmur/pkg/playback"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/vad"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverGrace       = 10 * time.Second
	drainPoll         = 20 * time.Millisecond
	eventBuffer       = 64
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler
	logLevel  *slog.LevelVar
	vadOpts   []vad.Option
	hubOpts   []control.Option

	// Subsystems. Nil when not configured.
	detector *vad.Detector
	player   *playback.Controller
	synth    *ttsserver.Server
	hub      *control.Hub
	probes   *health.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records on m instead of the package-level instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the handler that
// reads lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetricsHandler serves h at /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithDetectorOptions passes extra options to the voice activity detector.
func WithDetectorOptions(opts ...vad.Option) Option {
	return func(a *App) { a.vadOpts = append(a.vadOpts, opts...) }
}

// WithHubOptions passes extra options to the control hub.
func WithHubOptions(opts ...control.Option) Option {
	return func(a *App) { a.hubOpts = append(a.hubOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. When an input device
// is provided the detector is initialized, which includes the background
// noise calibration, before New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Voice activity detector ───────────────────────────────────────
	if err := a.initDetector(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init detector: %w", err)
	}

	// ── 2. Playback controller ───────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("app initialised",
		"detector", a.detector != nil,
		"playback", a.player != nil,
		"tts", cfg.TTS.Name,
	)
	return a, nil
}

func (a *App) initDetector(ctx context.Context) error {
	if !a.cfg.VAD.Enabled || a.providers.Input == nil {
		return nil
	}
	vcfg, err := a.cfg.VAD.Resolve()
	if err != nil {
		return err
	}
	opts := append([]vad.Option{
		vad.WithFrameInterval(a.cfg.VAD.FrameInterval),
		vad.WithCalibrationWindow(a.cfg.VAD.CalibrationWindow),
	}, a.vadOpts...)
	det, err := vad.New(a.providers.Input, vcfg, opts...)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		det.Dispose()
		return nil
	})
	if err := det.Initialize(ctx); err != nil {
		return err
	}
	a.detector = det
	return nil
}

func (a *App) initPlayback() error {
	if a.providers.TTS == nil || a.providers.Output == nil {
		return nil
	}
	ctrl, err := playback.New(a.providers.TTS, a.providers.Output,
		playback.WithVoice(tts.VoiceProfile{ID: a.cfg.TTS.VoiceID, Provider: a.cfg.TTS.Name}),
		playback.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.player = ctrl
	a.closers = append(a.closers, ctrl.Close)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	auth := httpauth.Bearer(a.cfg.Server.APIToken)

	a.synth = ttsserver.New(a.providers.TTS,
		ttsserver.WithMetrics(a.metrics),
		ttsserver.WithProviderName(a.cfg.TTS.Name),
		ttsserver.WithDefaultVoice(a.cfg.TTS.VoiceID),
	)
	a.synth.Register(mux, auth)

	if a.detector != nil {
		hubOpts := append([]control.Option{control.WithMetrics(a.metrics)}, a.hubOpts...)
		a.hub = control.New(a.detector, hubOpts...)
		a.hub.Register(mux, auth)
	}

	a.probes = health.New(a.checkers()...)
	a.probes.Register(mux)
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler(nil)
	}
	mux.Handle("GET /metrics", a.scrape)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// checkers returns the readiness probes for the configured subsystems.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if p := a.providers.TTS; p != nil {
		cs = append(cs, health.Checker{
			Name: "tts",
			Check: func(ctx context.Context) error {
				if f, ok := p.(*resilience.TTSFailover); ok && !f.Available() {
					return fmt.Errorf("every synthesis backend is open: %v", f.Backends())
				}
				_, err := p.ListVoices(ctx)
				return err
			},
		})
	}
	if d := a.detector; d != nil {
		cs = append(cs, health.Checker{
			Name: "detector",
			Check: func(context.Context) error {
				if d.Disposed() {
					return vad.ErrDisposed
				}
				return nil
			},
		})
	}
	if c := a.player; c != nil {
		cs = append(cs, health.Checker{
			Name: "playback",
			Check: func(context.Context) error {
				if !c.IsConnected() {
					return errors.New("output closed")
				}
				return nil
			},
		})
	}
	return cs
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Detector returns the voice activity detector, or nil when disabled.
func (a *App) Detector() *vad.Detector { return a.detector }

// Player returns the playback controller, or nil when disabled.
func (a *App) Player() *playback.Controller { return a.player }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, fans detector events out to control clients, and records
// detector metrics until ctx is cancelled. It then stops the HTTP server and
// returns ctx.Err(). A listener failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(gctx) })
	}
	if a.detector != nil {
		events, unsubscribe := a.detector.Subscribe(eventBuffer)
		g.Go(func() error {
			defer unsubscribe()
			a.pump(gctx, events, nil)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverGrace)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pump records detector events as metrics until ctx is done or events is
// closed. fn, if non-nil, sees every event and stops the pump by returning
// false.
func (a *App) pump(ctx context.Context, events <-chan vad.Event, fn func(vad.Event) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case vad.EventVoiceStart:
				a.metrics.RecordVoiceSegment(ctx)
			case vad.EventAutoStop:
				a.metrics.RecordAutoStop(ctx, string(e.Reason))
			}
			if fn != nil && !fn(e) {
				return
			}
		}
	}
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Listen starts detection and reports every event except volume updates to
// onEvent until the detector stops on its own or ctx is cancelled. It
// returns the auto-stop reason, or ctx.Err().
func (a *App) Listen(ctx context.Context, onEvent func(vad.Event)) (vad.AutoStopReason, error) {
	if a.detector == nil {
		return "", errors.New("app: voice activity detection is not enabled")
	}
	events, unsubscribe := a.detector.Subscribe(eventBuffer)
	defer unsubscribe()

	if err := a.detector.StartDetection(); err != nil {
		return "", err
	}
	defer a.detector.StopDetection()

	var reason vad.AutoStopReason
	a.pump(ctx, events, func(e vad.Event) bool {
		if e.Type == vad.EventVolume {
			return true
		}
		if onEvent != nil {
			onEvent(e)
		}
		if e.Type == vad.EventAutoStop {
			reason = e.Reason
			return false
		}
		return true
	})
	if reason != "" {
		return reason, nil
	}
	return "", ctx.Err()
}

// Say synthesises each chunk in order, plays them back to back, and waits
// until playback has drained.
func (a *App) Say(ctx context.Context, chunks ...string) error {
	if a.player == nil {
		return errors.New("app: playback is not configured")
	}
	for _, chunk := range chunks {
		if err := a.player.SendText(ctx, chunk, true); err != nil {
			return err
		}
	}
	a.player.EndStream()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		s := a.player.Snapshot()
		if !s.Speaking && s.QueueLen == 0 {
			return s.Err
		}
		select {
		case <-ctx.Done():
			a.player.StopPlayback()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig hot-applies the reloadable parts of d: the log level, the
// detector tuning, and the default voice. Fields that need a restart are
// logged.
func (a *App) ApplyConfig(d config.ConfigDiff) error {
	var errs []error

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}

	if d.VADChanged && a.detector != nil {
		vcfg, err := d.NewVAD.Resolve()
		if err == nil {
			err = a.detector.UpdateConfig(vcfg.Patch())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("app: apply vad config: %w", err))
		} else {
			slog.Info("config reload: detector updated", "preset", d.NewVAD.Preset)
		}
	}

	if d.VoiceChanged {
		a.synth.SetDefaultVoice(d.NewVoiceID)
		if a.player != nil {
			a.player.SetVoice(tts.VoiceProfile{ID: d.NewVoiceID, Provider: a.cfg.TTS.Name})
		}
		slog.Info("config reload: voice changed", "voice_id", d.NewVoiceID)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart",
			"fields", strings.Join(d.RestartRequired, ", "))
	}
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.probes != nil {
			a.probes.SetDraining()
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
