// Command voicecore is the real-time voice pipeline server.
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

	"github.com/sitespeak/voicecore/internal/app"
	"github.com/sitespeak/voicecore/internal/config"
	"github.com/sitespeak/voicecore/internal/perf"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	perfRun := flag.Bool("perf", false, "run the offline performance validation and exit")
	perfStress := flag.Int("perf-stress", 16, "concurrent sessions for the perf stress phase (with -perf)")
	flag.Parse()

	if *perfRun {
		return runPerf(*perfStress)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecore: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecore: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicecore starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"speech_provider", cfg.Speech.Provider,
		"max_sessions", cfg.Session.MaxSessions,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down…")
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

// ── Performance validation ────────────────────────────────────────────────────

func runPerf(stress int) int {
	v := perf.New(perf.Config{StressSessions: stress})
	report, err := v.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecore: perf run failed: %v\n", err)
		return 1
	}
	printReport(report)
	if !report.Passed {
		return 1
	}
	return 0
}

func printReport(r *perf.Report) {
	fmt.Printf("performance score: %d/100 (passed: %v)\n", r.Score, r.Passed)
	for _, p := range r.Phases {
		line := fmt.Sprintf("  %-12s", p.Name)
		if p.Latency.Count > 0 {
			line += fmt.Sprintf(" p50=%-10v p95=%-10v max=%v", p.Latency.P50, p.Latency.P95, p.Latency.Max)
		}
		fmt.Println(line)
		for _, note := range p.Notes {
			fmt.Printf("    %s\n", note)
		}
	}
	for _, v := range r.Violations {
		fmt.Printf("  [%s] %s/%s: %s\n", v.Severity, v.Phase, v.Metric, v.Detail)
	}
	for _, rec := range r.Recommendations {
		fmt.Printf("  hint: %s\n", rec)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
