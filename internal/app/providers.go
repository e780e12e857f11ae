package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/output"
	"github.com/MrWong99/murmur/pkg/audio/portaudio"
	"github.com/MrWong99/murmur/pkg/audio/wavfile"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// Providers holds the external resources the application drives. Nil means
// the resource is not configured and the dependent subsystem is disabled.
type Providers struct {
	// TTS synthesises speech for the playback controller and the synthesis
	// route. Usually a [resilience.TTSFailover].
	TTS tts.Provider

	// Input feeds the voice activity detector.
	Input audio.InputDevice

	// Output creates the playback controller's output contexts.
	Output audio.OutputFactory
}

// BuildProviders instantiates everything cfg names. Synthesis backends come
// from reg.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	p, err := BuildTTS(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps.TTS = p

	if cfg.VAD.Enabled {
		in, err := NewInputDevice(cfg.VAD)
		if err != nil {
			return nil, err
		}
		ps.Input = in
	}

	if ps.TTS != nil {
		ps.Output = NewOutputFactory(cfg.Playback)
	}
	return ps, nil
}

// BuildTTS creates the primary synthesis backend and its fallbacks and
// chains them behind per-backend circuit breakers. It returns a nil provider
// when no backend is configured.
func BuildTTS(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	if cfg.TTS.Name == "" {
		return nil, nil
	}
	primary, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.TTS.Name)

	failover := resilience.NewTTSFailover(resilience.BreakerConfig{
		OnStateChange: recordBreakerTransition,
	})
	failover.Add(cfg.TTS.Name, primary)
	for i, entry := range cfg.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("tts_fallbacks[%d]: %w", i, err)
		}
		failover.Add(entry.Name, p)
		slog.Info("provider created", "kind", "tts-fallback", "name", entry.Name)
	}
	return failover, nil
}

// recordBreakerTransition counts breaker changes on the process-wide
// metrics, which exist before any [App] does.
func recordBreakerTransition(backend string, _, to resilience.State) {
	observe.DefaultMetrics().RecordBreakerTransition(context.Background(), backend, to.String())
}

// NewInputDevice returns the capture device selected by cfg.
func NewInputDevice(cfg config.VADConfig) (audio.InputDevice, error) {
	switch cfg.Device {
	case config.InputFile:
		d, err := wavfile.Open(cfg.InputFile, wavfile.WithLoop(true))
		if err != nil {
			return nil, fmt.Errorf("app: open vad input file: %w", err)
		}
		return d, nil
	case config.InputDefault, "":
		return portaudio.NewDevice(0), nil
	default:
		return nil, fmt.Errorf("app: unknown vad device %q", cfg.Device)
	}
}

// NewOutputFactory returns a factory for output contexts rendering to the
// sink selected by cfg.
func NewOutputFactory(cfg config.PlaybackConfig) audio.OutputFactory {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	return func() (audio.OutputContext, error) {
		var sink output.Sink
		switch cfg.Output {
		case config.OutputNull:
			sink = output.NewNullSink()
		default:
			s, err := portaudio.NewSink(format, cfg.FramesPerBuffer)
			if err != nil {
				return nil, err
			}
			sink = s
		}
		return output.NewContext(sink, format)
	}
}
