// Command murmur runs the voice activity detector and the streaming speech
// playback pipeline.
//
// Usage:
//
//	murmur [-config path] serve          serve the HTTP and websocket surface
//	murmur [-config path] listen         detect speech on the configured input
//	murmur [-config path] say <text>...  speak each argument as one chunk
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/tts/coqui"
	"github.com/MrWong99/murmur/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/murmur/pkg/provider/tts/openai"
	"github.com/MrWong99/murmur/pkg/provider/tts/remote"
	"github.com/MrWong99/murmur/pkg/vad"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "murmur.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", 5*time.Second, "config reload poll interval for serve; 0 disables polling and SIGHUP reload")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: murmur [flags] serve|listen|say <text>...\n\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve", "listen":
	case "say":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "murmur: say needs text")
			return 2
		}
	default:
		flag.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "murmur: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("murmur starting", "command", cmd, "config", *configPath, "log_level", cfg.Server.LogLevel)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Init(ctx, observe.ProviderConfig{ServiceName: "murmur"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	switch cmd {
	case "listen":
		cfg.VAD.Enabled = true
	case "say":
		cfg.VAD.Enabled = false
	}
	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if cmd == "listen" {
		providers.TTS, providers.Output = nil, nil
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	switch cmd {
	case "serve":
		return serve(ctx, application, cfg, *configPath, *watchInterval)
	case "listen":
		return listen(ctx, application)
	default:
		return say(ctx, application, args)
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

func serve(ctx context.Context, application *app.App, cfg *config.Config, path string, interval time.Duration) int {
	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	if interval > 0 {
		w, err := config.NewWatcher(path, func(old, new *config.Config) {
			if err := application.ApplyConfig(config.Diff(old, new)); err != nil {
				slog.Error("config reload failed", "err", err)
			}
		}, config.WithInterval(interval))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, w) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// reloadOnHangup re-reads the config on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			w.Reload()
		}
	}
}

func listen(ctx context.Context, application *app.App) int {
	s := application.Detector().State()
	fmt.Printf("calibrated: background=%.4f threshold=%.4f\n", s.BackgroundNoiseLevel, s.EffectiveThreshold)
	fmt.Println("listening, press Ctrl+C to stop")

	reason, err := application.Listen(ctx, func(e vad.Event) {
		switch e.Type {
		case vad.EventSilence:
			slog.Debug("silence", "duration", e.Duration)
		case vad.EventError:
			fmt.Printf("%s error: %v\n", e.At.Format(time.TimeOnly), e.Err)
		case vad.EventAutoStop:
		default:
			fmt.Printf("%s %s\n", e.At.Format(time.TimeOnly), e.Type)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("listen error", "err", err)
		return 1
	}
	if reason != "" {
		fmt.Printf("auto-stop: %s\n", reason)
	}
	return 0
}

func say(ctx context.Context, application *app.App, chunks []string) int {
	if err := application.Say(ctx, chunks...); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("say failed", "err", err)
		return 1
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in synthesis backends into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if entry.VoiceID != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(entry.VoiceID))
		}
		if f := entry.Option("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if u := entry.Option("websocket_url", ""); u != "" {
			opts = append(opts, elevenlabs.WithWebSocketURL(u))
		}
		opts = append(opts, elevenlabs.WithWebSocket(entry.BoolOption("websocket", false)))
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.VoiceID != "" {
			opts = append(opts, openai.WithDefaultVoice(entry.VoiceID))
		}
		if f := entry.Option("response_format", ""); f != "" {
			opts = append(opts, openai.WithResponseFormat(f))
		}
		return openai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if m := entry.Option("api_mode", ""); m != "" {
			mode, err := coqui.ParseAPIMode(m)
			if err != nil {
				return nil, err
			}
			opts = append(opts, coqui.WithAPIMode(mode))
		}
		if entry.VoiceID != "" {
			opts = append(opts, coqui.WithDefaultVoice(entry.VoiceID))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("remote", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []remote.Option
		if entry.APIKey != "" {
			opts = append(opts, remote.WithToken(entry.APIKey))
		}
		if p := entry.Option("path", ""); p != "" {
			opts = append(opts, remote.WithPath(p))
		}
		return remote.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.TTSNames() {
		slog.Debug("registered provider", "kind", "tts", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         murmur: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("TTS", providerLabel(cfg.TTS))
	printRow("Fallbacks", fmt.Sprint(len(cfg.TTSFallbacks)))
	if cfg.VAD.Enabled {
		printRow("VAD", string(cfg.VAD.Device)+" / "+string(cfg.VAD.Preset))
	} else {
		printRow("VAD", "(disabled)")
	}
	printRow("Output", string(cfg.Playback.Output))
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.APIToken != "" {
		printRow("Auth", "bearer token")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
