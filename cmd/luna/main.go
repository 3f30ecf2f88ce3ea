// Command luna holds a real-time voice conversation with a Gemini Live model
// through the default microphone and speaker.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nullxes/luna/internal/app"
	"github.com/nullxes/luna/internal/config"
	"github.com/nullxes/luna/internal/observe"
	"github.com/nullxes/luna/internal/session"
	"github.com/nullxes/luna/pkg/audio"
	"github.com/nullxes/luna/pkg/audio/malgo"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "luna.yaml", "path to the YAML configuration file")
	connect := flag.Bool("connect", true, "start a call as soon as the process is ready")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "luna: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "luna: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("luna starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telemetry, err := observe.NewTelemetry(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     registry,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	audioCtx, err := malgo.NewContext(malgo.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		_ = telemetry.Shutdown(context.Background())
		return 1
	}
	output := audioCtx.Output(audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: 1})

	application, err := app.New(cfg,
		app.WithDevices(app.Devices{Mic: audioCtx.Capture(), Output: output}),
		app.WithGatherer(registry),
		app.WithMetrics(telemetry.Metrics),
		app.WithLogger(logger),
		app.WithLevel(level),
		app.WithAutoConnect(*connect),
		app.WithCallbacks(consoleCallbacks()),
		app.WithCloser(output.Close),
		app.WithCloser(audioCtx.Close),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(ctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = audioCtx.Close()
		_ = telemetry.Shutdown(context.Background())
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg, *connect)
	slog.Info("ready, press Ctrl+C to hang up and exit")

	status := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		status = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, hanging up…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return status
}

// consoleCallbacks prints the model's text and speaking state to stdout.
func consoleCallbacks() session.Callbacks {
	return session.Callbacks{
		OnOpen: func() { fmt.Println("● connected, start talking") },
		OnMessage: func(m session.Message) {
			switch {
			case m.Text != "":
				fmt.Printf("luna> %s\n", m.Text)
			case m.Interrupted:
				fmt.Println("  (interrupted)")
			}
		},
		OnClose: func() { fmt.Println("○ disconnected") },
		OnError: func(err error) { fmt.Fprintf(os.Stderr, "luna: %v\n", err) },
	}
}

func printStartupSummary(cfg *config.Config, connect bool) {
	onOff := "manual"
	if connect {
		onOff = "on start"
	}
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              Luna (startup summary)               ║")
	fmt.Println("╠═══════════════════════════════════════════════════╣")
	fmt.Printf("║  Model        : %-33s ║\n", truncate(cfg.Live.Model, 33))
	fmt.Printf("║  Voice        : %-33s ║\n", cfg.Live.Voice)
	fmt.Printf("║  Microphone   : %-33s ║\n", audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1})
	fmt.Printf("║  Speaker      : %-33s ║\n", audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: 1})
	fmt.Printf("║  Frame size   : %-33d ║\n", cfg.Audio.FrameSize)
	fmt.Printf("║  Connect      : %-33s ║\n", onOff)
	fmt.Printf("║  Listen addr  : %-33s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
