package config_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
	"github.com/MrWong99/murmur/pkg/vad"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  api_token: secret

vad:
  enabled: true
  device: file
  input_file: testdata/voice.wav
  preset: sensitive
  overrides:
    silence_duration: 3s
    voice_threshold: 0.04
  frame_interval: 20ms

tts:
  name: elevenlabs
  api_key: el-test
  voice_id: rachel
  model: eleven_flash_v2_5
  options:
    websocket: true

tts_fallbacks:
  - name: openai
    api_key: sk-test
    voice_id: alloy

playback:
  output: "null"
  sample_rate: 48000
  channels: 1
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.APIToken != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if !cfg.VAD.Enabled || cfg.VAD.Device != config.InputFile || cfg.VAD.InputFile != "testdata/voice.wav" {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if cfg.VAD.Preset != vad.PresetSensitive {
		t.Errorf("vad.preset = %q", cfg.VAD.Preset)
	}
	if cfg.VAD.FrameInterval != 20*time.Millisecond {
		t.Errorf("vad.frame_interval = %v", cfg.VAD.FrameInterval)
	}
	if cfg.TTS.Name != "elevenlabs" || cfg.TTS.VoiceID != "rachel" || !cfg.TTS.BoolOption("websocket", false) {
		t.Errorf("tts = %+v", cfg.TTS)
	}
	if len(cfg.TTSFallbacks) != 1 || cfg.TTSFallbacks[0].Name != "openai" {
		t.Errorf("tts_fallbacks = %+v", cfg.TTSFallbacks)
	}
	if cfg.Playback != (config.PlaybackConfig{Output: config.OutputNull, SampleRate: 48000, Channels: 1}) {
		t.Errorf("playback = %+v", cfg.Playback)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.VAD.Device != config.InputDefault || cfg.VAD.Preset != vad.PresetBalanced {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if cfg.Playback.Output != config.OutputPortAudio || cfg.Playback.SampleRate != config.DefaultSampleRate || cfg.Playback.Channels != config.DefaultChannels {
		t.Errorf("playback = %+v", cfg.Playback)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/murmur.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"tls without key", "server:\n  tls:\n    cert_file: c.pem\n", "server.tls"},
		{"bad device", "vad:\n  device: usb\n", "vad.device"},
		{"file without path", "vad:\n  device: file\n", "vad.input_file"},
		{"negative frame interval", "vad:\n  frame_interval: -1s\n", "vad.frame_interval"},
		{"unknown preset", "vad:\n  preset: whisper\n", "unknown preset"},
		{"override out of range", "vad:\n  overrides:\n    silence_threshold: 2\n", "SilenceThreshold"},
		{"override breaks max recording", "vad:\n  overrides:\n    max_recording_duration: 100ms\n", "MaxRecordingDuration"},
		{"fallback without name", "tts:\n  name: openai\ntts_fallbacks:\n  - api_key: x\n", "tts_fallbacks[0].name"},
		{"fallback without primary", "tts_fallbacks:\n  - name: openai\n", "requires tts.name"},
		{"bad output", "playback:\n  output: speakers\n", "playback.output"},
		{"bad sample rate", "playback:\n  sample_rate: 100\n", "playback.sample_rate"},
		{"bad channels", "playback:\n  channels: 6\n", "playback.channels"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: "loud"},
		Playback: config.PlaybackConfig{Output: "speakers", Channels: 3},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "playback.output", "playback.channels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

// ── VAD resolution ───────────────────────────────────────────────────────────

func TestVADConfig_Resolve(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	got, err := cfg.VAD.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := vad.PresetConfig(vad.PresetSensitive)
	want.SilenceDuration = 3 * time.Second
	want.VoiceThreshold = 0.04
	if got != want {
		t.Errorf("Resolve = %+v\nwant %+v", got, want)
	}
}

func TestVADConfig_ResolveCaseInsensitivePreset(t *testing.T) {
	t.Parallel()
	got, err := config.VADConfig{Preset: "Noise-Tolerant"}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want, _ := vad.PresetConfig(vad.PresetNoiseTolerant)
	if got != want {
		t.Errorf("Resolve = %+v, want noise-tolerant preset", got)
	}
}

func TestVADConfig_ResolveEmptyIsBalanced(t *testing.T) {
	t.Parallel()
	got, err := config.VADConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != vad.DefaultConfig() {
		t.Errorf("Resolve = %+v, want balanced defaults", got)
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{"format": "pcm_24000", "websocket": true, "n": 3}}

	if got := e.Option("format", "mp3"); got != "pcm_24000" {
		t.Errorf("Option(format) = %q", got)
	}
	if got := e.Option("n", "x"); got != "x" {
		t.Errorf("Option(n) = %q, want default for non-string", got)
	}
	if got := e.Option("missing", "d"); got != "d" {
		t.Errorf("Option(missing) = %q", got)
	}
	if !e.BoolOption("websocket", false) || e.BoolOption("missing", false) {
		t.Error("BoolOption mismatch")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateTTS(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotEntry config.ProviderEntry
	r.RegisterTTS("mock", func(e config.ProviderEntry) (tts.Provider, error) {
		gotEntry = e
		return &ttsmock.Provider{}, nil
	})

	p, err := r.CreateTTS(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if p == nil || gotEntry.APIKey != "k" {
		t.Errorf("factory not called with entry: %+v", gotEntry)
	}
	if _, err := p.ListVoices(context.Background()); err != nil {
		t.Errorf("ListVoices: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterTTS("openai", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	_, err := r.CreateTTS(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "known: openai") {
		t.Errorf("err = %q, want the known backends listed", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("no api key")
	r.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })
	r.RegisterTTS("empty", func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })

	if _, err := r.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped factory error", err)
	}
	if p, err := r.CreateTTS(config.ProviderEntry{Name: "empty"}); err == nil {
		t.Errorf("nil backend accepted: %v", p)
	}
}

func TestRegistry_RegisterMisuse(t *testing.T) {
	t.Parallel()
	ok := func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil }

	tests := []struct {
		name     string
		register func(*config.Registry)
	}{
		{"empty name", func(r *config.Registry) { r.RegisterTTS("", ok) }},
		{"nil factory", func(r *config.Registry) { r.RegisterTTS("openai", nil) }},
		{"duplicate", func(r *config.Registry) {
			r.RegisterTTS("openai", ok)
			r.RegisterTTS("openai", ok)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("RegisterTTS did not panic")
				}
			}()
			tc.register(config.NewRegistry())
		})
	}
}

func TestRegistry_TTSNamesSorted(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	for _, n := range []string{"openai", "coqui", "elevenlabs"} {
		r.RegisterTTS(n, func(config.ProviderEntry) (tts.Provider, error) { return nil, nil })
	}
	if got := r.TTSNames(); !slices.Equal(got, []string{"coqui", "elevenlabs", "openai"}) {
		t.Errorf("TTSNames = %v", got)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}
