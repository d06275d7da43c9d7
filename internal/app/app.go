// Package app wires the Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider, the
// session controller and the HTTP control API from the config, Run serves
// the API until the context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithDevices, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/local"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// shutdownTimeout bounds the graceful HTTP shutdown inside Run.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *config.Registry
	provider s2s.Provider
	devices  audio.Devices
	metrics  *observe.Metrics
	promHTTP http.Handler
	level    *slog.LevelVar

	ctrl    *session.Controller
	breaker *resilience.Breaker
	health  *health.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects a provider instead of creating one from config.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDevices injects the sound devices instead of opening the local ones.
func WithDevices(d audio.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithLevelVar lets config reloads adjust the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. cfg must already carry defaults, as returned
// by [config.Load].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider ──────────────────────────────────────────────────────
	if a.provider == nil {
		if a.registry == nil {
			a.registry = config.NewRegistry()
			RegisterBuiltinProviders(a.registry, a.logger)
		}
		p, err := a.registry.Create(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.provider = p
	}

	// ── 2. Devices ───────────────────────────────────────────────────────
	if a.devices == nil {
		a.devices = local.New(
			local.WithPlaybackBuffer(cfg.Audio.PlaybackBuffer()),
			local.WithLogger(a.logger),
		)
	}

	// ── 3. Session controller ────────────────────────────────────────────
	ctrl, err := session.New(session.Config{
		Provider:      a.provider,
		Devices:       a.devices,
		SessionConfig: cfg.Session.S2S(),
		InputRate:     cfg.Audio.InputRate,
		BlockFrames:   cfg.Audio.BlockFrames,
		OutputFormat:  cfg.Audio.OutputFormat(),
		QueueSize:     cfg.Audio.SendQueue,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.ctrl = ctrl
	a.closers = append(a.closers, ctrl.Stop)

	// ── 4. Connect guard ─────────────────────────────────────────────────
	// A run that reaches Open counts as a success; one that errors before or
	// after opening counts as a failure.
	a.breaker = resilience.New(resilience.Config{
		Name:        a.provider.Name(),
		MaxFailures: cfg.Provider.MaxConnectFailures,
		Cooldown:    cfg.Provider.FailureCooldown,
		Logger:      a.logger,
	})
	ctrl.OnStatus(func(s s2s.SessionState) {
		switch s {
		case s2s.StateOpen:
			a.breaker.Success()
		case s2s.StateErrored:
			a.breaker.Failure()
		}
	})

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "provider", Check: a.checkProvider},
		health.Checker{Name: "session", Check: a.checkSession},
		health.Checker{Name: "connect_guard", Check: a.checkBreaker},
	)

	a.logger.Info("app: initialised",
		"provider", a.provider.Name(),
		"voice", cfg.Session.Voice,
		"input", a.provider.InputFormat().String(),
		"output", cfg.Audio.OutputFormat().String(),
	)
	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Provider returns the configured provider.
func (a *App) Provider() s2s.Provider { return a.provider }

// checkProvider fails while the provider has no credentials.
func (a *App) checkProvider(context.Context) error {
	if _, needsKey := config.APIKeyEnv[a.cfg.Provider.Name]; needsKey && a.cfg.Provider.APIKey == "" {
		return errors.New("api key not configured")
	}
	return nil
}

// checkSession fails while the last run ended in an error.
func (a *App) checkSession(context.Context) error {
	if a.ctrl.Status() == s2s.StateErrored {
		return errors.New("last session failed")
	}
	return nil
}

// checkBreaker fails while repeated connection failures hold starts back.
func (a *App) checkBreaker(context.Context) error {
	if a.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w; retry in %s", resilience.ErrOpen, a.breaker.RetryAfter().Round(time.Second))
	}
	return nil
}

// StartSession starts a new run unless repeated connection failures have
// opened the connect guard, in which case it returns [resilience.ErrOpen].
func (a *App) StartSession(ctx context.Context) error {
	if err := a.breaker.Allow(); err != nil {
		return fmt.Errorf("app: start: %w", err)
	}
	if err := a.ctrl.Start(ctx); err != nil {
		// The provider was never contacted.
		a.breaker.Release()
		return err
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on cfg.Server.ListenAddr until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the HTTP API on ln until ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("app: http listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a config change. Session
// settings take effect on the next start; the log level changes at once.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Compare(old, new)
	if !d.Changed() {
		return
	}
	if d.SessionChanged {
		a.ctrl.SetSessionConfig(new.Session.S2S())
		a.logger.Info("app: session config updated; applies to the next session",
			"voice", new.Session.Voice)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
	a.cfg = new
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and releases every subsystem. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("app: shutdown complete")
	})
	return shutdownErr
}
