// Command livevoice runs a duplex voice session engine against a live
// speech endpoint and exposes it over an HTTP control surface.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	once := flag.Bool("once", false, "run a single session until the input ends, print its transcript and exit")
	idle := flag.Duration("idle", app.DefaultReplyIdle, "with -once: how long the reply may stay quiet before the session stops")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := newLogger(&level, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("livevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporterName := cfg.Telemetry.TraceExporter
	if exporterName == "none" {
		exporterName = observe.TraceExporterNone
	}
	exporter, err := observe.NewTraceExporter(ctx, exporterName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to create trace exporter", "err", err)
		return 1
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     promReg,
		TraceExporter:  exporter,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg, *once)

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *once {
		return runOnce(ctx, application, *idle)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOnce runs a single session and prints its transcript to stdout.
func runOnce(ctx context.Context, application *app.App, idle time.Duration) int {
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}
	defer shutdown()

	snap, err := application.RunOnce(ctx, idle)
	if text := session.JoinTranscript(snap.Transcript); text != "" {
		fmt.Println(text)
	}
	if err != nil {
		slog.Error("session failed", "session_id", snap.ID, "state", snap.State, "err", err)
		return 1
	}
	slog.Info("session finished", "session_id", snap.ID, "fragments", len(snap.Transcript))
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, once bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livevoice: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Endpoint", describe(cfg.Endpoint.Name, cfg.Endpoint.Model))
	if n := len(cfg.Endpoint.Fallbacks); n > 0 {
		printRow("Fallbacks", fmt.Sprintf("%d", n))
	}
	printRow("Voice", cfg.Endpoint.Voice)
	printRow("Input", cfg.Audio.Input.Name)
	printRow("Output", cfg.Audio.Output.Name)
	printRow("Outbound", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.OutboundSampleRate, cfg.Audio.OutboundChannels))
	printRow("Store", string(cfg.Transcript.Store.Backend))
	switch {
	case cfg.Transcript.NATS.Embedded:
		printRow("Event bus", "embedded nats")
	case len(cfg.Transcript.NATS.Servers) > 0:
		printRow("Event bus", "nats")
	default:
		printRow("Event bus", "")
	}
	if once {
		printRow("Mode", "single session")
	} else {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func describe(name, model string) string {
	if name == "" || model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, configured config.LogLevel) *slog.Logger {
	level.Set(configured.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
