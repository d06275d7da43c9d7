package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Run the HTTP control API.

Endpoints:
  GET    /api/session         status, session id and finalised turns
  POST   /api/session/start   start a session (optional JSON overrides)
  POST   /api/session/stop    stop the active session
  GET    /api/session/text    transcript as plain text
  DELETE /api/session/turns   clear the transcript
  GET    /api/voices          prebuilt voices of the provider
  GET    /healthz, /readyz    probes
  GET    /metrics             Prometheus metrics

The config file is watched; session and log level changes apply without a
restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(parent context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level, logCloser := newLogger(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(cfg,
		app.WithMetrics(providers.Metrics),
		app.WithMetricsHandler(providers.Handler()),
		app.WithLevelVar(level),
		app.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if _, statErr := os.Stat(opts.configPath); statErr == nil {
		w, err := config.NewWatcher(opts.configPath, application.ApplyConfig,
			config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down")
	errs := []error{runErr}
	if err := application.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Provider))
	printRow("Voice", orDefault(cfg.Session.Voice))
	printRow("Input rate", rateLabel(cfg.Audio.InputRate))
	printRow("Output rate", rateLabel(cfg.Audio.OutputRate))
	printRow("Block frames", fmt.Sprint(cfg.Audio.BlockFrames))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func providerLabel(pc config.ProviderConfig) string {
	if pc.Model == "" {
		return pc.Name
	}
	return pc.Name + " / " + pc.Model
}

func rateLabel(hz int) string {
	if hz == 0 {
		return "(provider)"
	}
	return fmt.Sprintf("%d Hz", hz)
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
