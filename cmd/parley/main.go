// Command parley is the main entry point for the Parley conversational
// audio client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/client"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/device"
	"github.com/MrWong99/parley/pkg/device/wavfile"
	"github.com/MrWong99/parley/pkg/transport/gemini"
	"github.com/MrWong99/parley/pkg/video"
	"github.com/MrWong99/parley/pkg/video/screen"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; when present it supplies GEMINI_API_KEY and friends
	// before the config defaults are applied.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "parley: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"model", cfg.Session.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
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
	metrics := observe.DefaultMetrics()

	// ── Transcript store ──────────────────────────────────────────────────────
	var store transcript.Store
	var pool *pgxpool.Pool
	if cfg.Transcripts.PostgresDSN != "" {
		pool, err = transcript.Connect(ctx, cfg.Transcripts.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to transcript database", "err", err)
			return 1
		}
		defer pool.Close()

		pg := transcript.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate transcript schema", "err", err)
			return 1
		}
		store = pg
		slog.Info("transcript store ready", "backend", "postgres")
	} else {
		store = transcript.NewMemoryStore()
		slog.Info("transcript store ready", "backend", "memory")
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	in, out, err := buildDevices(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio devices", "err", err)
		return 1
	}
	defer func() { _ = in.Close() }()
	defer func() { _ = out.Close() }()

	// ── Video source (optional) ───────────────────────────────────────────────
	var frames video.FrameSource
	if cfg.Video.Enabled {
		frames, err = screen.New(cfg.Video.Display)
		if err != nil {
			slog.Error("failed to open video source", "display", cfg.Video.Display, "err", err)
			return 1
		}
		defer func() { _ = frames.Close() }()
	}

	// ── Client ────────────────────────────────────────────────────────────────
	var dialOpts []gemini.Option
	if cfg.Session.Model != "" {
		dialOpts = append(dialOpts, gemini.WithModel(cfg.Session.Model))
	}
	if cfg.Session.BaseURL != "" {
		dialOpts = append(dialOpts, gemini.WithBaseURL(cfg.Session.BaseURL))
	}
	dialer := gemini.New(cfg.Session.APIKey, dialOpts...)

	c := client.New(client.Config{
		Voice:          cfg.Session.Voice,
		Instructions:   cfg.Session.Instructions,
		ModelAudioRate: cfg.Audio.OutputSampleRate,
		OutputGain:     cfg.Audio.OutputGain,
		MeterGain:      cfg.Audio.MeterGain,
		VideoInterval:  time.Duration(cfg.Video.IntervalMs) * time.Millisecond,
		JPEGQuality:    cfg.Video.JPEGQuality,
	}, client.Deps{
		Dialer:  dialer,
		Input:   in,
		Output:  out,
		Frames:  frames,
		Store:   store,
		Metrics: metrics,
	})
	defer func() { _ = c.Close() }()
	c.SetVideoEnabled(cfg.Video.Enabled)

	// ── HTTP server: health + metrics ─────────────────────────────────────────
	checkers := []health.Checker{health.SessionCheck(c.StateLabel)}
	if pool != nil {
		checkers = append(checkers, health.DatabaseCheck(pool))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	if err := c.Start(ctx); err != nil {
		slog.Error("failed to start conversation session", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("parley ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	if err := c.Stop(); err != nil {
		slog.Debug("no session to stop", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildDevices opens the configured capture and playback devices. WAV files
// are the bundled backend; live hardware sits behind the same [device.Input]
// and [device.Output] interfaces.
func buildDevices(cfg config.AudioConfig) (device.Input, device.Output, error) {
	if cfg.InputWAV == "" {
		return nil, nil, errors.New("audio.input_wav must be set")
	}
	if cfg.OutputWAV == "" {
		return nil, nil, errors.New("audio.output_wav must be set")
	}

	in, err := wavfile.NewInput(cfg.InputWAV, cfg.InputSampleRate, cfg.WindowSize())
	if err != nil {
		return nil, nil, fmt.Errorf("open capture source: %w", err)
	}
	out, err := wavfile.NewOutput(cfg.OutputWAV, cfg.OutputSampleRate)
	if err != nil {
		_ = in.Close()
		return nil, nil, fmt.Errorf("open playback sink: %w", err)
	}
	return in, out, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Session.Model)
	printRow("Voice", orDefault(cfg.Session.Voice, "(model default)"))
	printRow("Capture", fmt.Sprintf("%d Hz / %d ms", cfg.Audio.InputSampleRate, cfg.Audio.WindowMs))
	printRow("Playback", fmt.Sprintf("%d Hz", cfg.Audio.OutputSampleRate))
	if cfg.Video.Enabled {
		printRow("Video", fmt.Sprintf("display %d @ %d ms", cfg.Video.Display, cfg.Video.IntervalMs))
	} else {
		printRow("Video", "(disabled)")
	}
	if cfg.Transcripts.PostgresDSN != "" {
		printRow("Transcripts", "postgres")
	} else {
		printRow("Transcripts", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-19s    ║\n", label, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
