// Package app wires all rattil subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// corpus store, the transcription providers and the HTTP server, Run
// serves traffic until the context ends, and Shutdown tears everything
// down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithSTT, WithTranscriber). When an option is not provided, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/config"
	"github.com/rattil/rattil/internal/health"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/observe"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/internal/quran/postgres"
	"github.com/rattil/rattil/internal/quran/sqlite"
	"github.com/rattil/rattil/internal/resilience"
	"github.com/rattil/rattil/internal/server"
	"github.com/rattil/rattil/internal/session"
	"github.com/rattil/rattil/pkg/provider/stt"
)

// pruneInterval is how often idle sessions are swept while Run is active.
const pruneInterval = time.Minute

// App is the assembled rattil service. Create with [New].
type App struct {
	cfg     *config.Config
	version string

	norm        *arabic.Normalizer
	store       quran.Store
	sttProvider stt.Provider
	transcriber stt.Transcriber
	manager     *session.Manager
	srv         *server.Server
	httpSrv     *http.Server
	watcher     *config.Watcher
	logLevel    *slog.LevelVar
	checkers    []health.Checker

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option customises App construction, mainly to inject test doubles.
type Option func(*App)

// WithStore injects a corpus store, bypassing the database config.
// The App does not close injected stores.
func WithStore(store quran.Store) Option {
	return func(a *App) { a.store = store }
}

// WithSTT injects a streaming transcription provider, bypassing the
// provider registry.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttProvider = p }
}

// WithTranscriber injects a batch transcriber, bypassing the provider
// registry.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithLogLevel hands the App the level var backing the process logger,
// so config reloads can adjust verbosity at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion sets the version string reported by /healthz and the
// telemetry resource. Defaults to "dev".
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App from the given configuration, building every
// subsystem that was not injected via options. The registry supplies
// transcription provider factories; pass an empty registry to run
// without audio transcription.
//
// On error, any subsystems already created are closed before returning.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if reg == nil {
		reg = config.NewRegistry()
	}

	a := &App{
		cfg:      cfg,
		version:  "dev",
		norm:     arabic.Default(),
		logLevel: new(slog.LevelVar),
	}
	for _, opt := range opts {
		opt(a)
	}

	injectedStore := a.store != nil
	injectedSTT := a.sttProvider != nil
	injectedTranscriber := a.transcriber != nil

	// 1. Error reporting.
	a.initSentry()

	// 2. Telemetry.
	if err := a.initTelemetry(ctx); err != nil {
		return nil, a.failInit(err)
	}

	// 3. Corpus store.
	if !injectedStore {
		if err := a.initStore(ctx); err != nil {
			return nil, a.failInit(err)
		}
	}
	if p, ok := a.store.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("store", p))
	}

	// 4. Transcription providers.
	if err := a.initTranscription(reg, injectedSTT, injectedTranscriber); err != nil {
		return nil, a.failInit(err)
	}

	// 5. Session manager and HTTP server.
	if err := a.initServer(); err != nil {
		return nil, a.failInit(err)
	}

	slog.Info("rattil assembled",
		"version", a.version,
		"driver", a.cfg.Database.Driver,
		"stt", providerName(a.sttProvider),
		"transcriber", transcriberName(a.transcriber))
	return a, nil
}

// failInit closes whatever was already initialised and returns err.
func (a *App) failInit(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sErr := a.Shutdown(ctx); sErr != nil {
		slog.Warn("cleanup after failed init", "err", sErr)
	}
	return err
}

// initSentry enables error reporting when a DSN is configured. A broken
// DSN downgrades to a warning rather than preventing startup.
func (a *App) initSentry() {
	if a.cfg.Sentry.DSN == "" {
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              a.cfg.Sentry.DSN,
		Environment:      a.cfg.Sentry.Environment,
		EnableTracing:    a.cfg.Sentry.TracesSampleRate > 0,
		TracesSampleRate: a.cfg.Sentry.TracesSampleRate,
	})
	if err != nil {
		slog.Warn("sentry init failed, error reporting disabled", "err", err)
		return
	}
	slog.Info("sentry error reporting enabled", "environment", a.cfg.Sentry.Environment)
}

func (a *App) initTelemetry(ctx context.Context) error {
	if a.cfg.Telemetry.Disabled {
		slog.Debug("telemetry disabled, /metrics serves the default registry only")
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "rattil",
		ServiceVersion: a.version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	return nil
}

// OpenStore opens the corpus store selected by cfg. The caller owns the
// returned store and must close it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (quran.Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverMemory
	}

	var (
		store quran.Store
		err   error
	)
	switch driver {
	case config.DriverMemory:
		store, err = quran.NewSeededStore(ctx)
	case config.DriverPostgres:
		store, err = postgres.New(ctx, cfg.DSN)
	case config.DriverSQLite:
		store, err = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s corpus store: %w", driver, err)
	}
	return store, nil
}

func (a *App) initStore(ctx context.Context) error {
	store, err := OpenStore(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("corpus store ready", "driver", a.cfg.Database.Driver)
	return nil
}

// initTranscription builds the streaming and batch transcription sides
// from the configured provider entry, then chains the configured
// fallbacks behind each side.
//
// A backend may support streaming, batch, or both, so a provider name
// missing from one side of the registry is tolerated as long as the
// other side has it.
func (a *App) initTranscription(reg *config.Registry, haveSTT, haveTranscriber bool) error {
	entry := a.cfg.STT.Provider
	if entry.Name == "" || (haveSTT && haveTranscriber) {
		return nil
	}

	var sttErr, trErr error
	if !haveSTT {
		var p stt.Provider
		p, sttErr = reg.CreateSTT(entry)
		if sttErr == nil {
			a.sttProvider = p
			a.registerProviderCloser(p)
		} else if !errors.Is(sttErr, config.ErrProviderNotRegistered) {
			return fmt.Errorf("create stt provider %q: %w", entry.Name, sttErr)
		}
	}
	if !haveTranscriber {
		var t stt.Transcriber
		t, trErr = reg.CreateTranscriber(entry)
		if trErr == nil {
			a.transcriber = t
			if any(t) != any(a.sttProvider) {
				a.registerProviderCloser(t)
			}
		} else if !errors.Is(trErr, config.ErrProviderNotRegistered) {
			return fmt.Errorf("create transcriber %q: %w", entry.Name, trErr)
		}
	}
	if a.sttProvider == nil && a.transcriber == nil {
		return fmt.Errorf("provider %q is not registered for streaming or batch transcription", entry.Name)
	}

	if len(a.cfg.STT.Fallbacks) > 0 {
		a.chainFallbacks(reg)
	}

	slog.Info("transcription ready",
		"stt", providerName(a.sttProvider),
		"transcriber", transcriberName(a.transcriber),
		"fallbacks", len(a.cfg.STT.Fallbacks))
	return nil
}

// chainFallbacks wraps the primary providers in circuit-breaking
// failover groups and appends every configured fallback that the
// registry can build for the matching side.
func (a *App) chainFallbacks(reg *config.Registry) {
	var (
		sttGroup *resilience.STTFallback
		trGroup  *resilience.TranscriberFallback
	)
	if a.sttProvider != nil {
		sttGroup = resilience.NewSTTFallback(a.sttProvider, resilience.FallbackConfig{})
	}
	if a.transcriber != nil {
		trGroup = resilience.NewTranscriberFallback(a.transcriber, resilience.FallbackConfig{})
	}

	for _, entry := range a.cfg.STT.Fallbacks {
		wired := false
		if sttGroup != nil {
			p, err := reg.CreateSTT(entry)
			switch {
			case err == nil:
				sttGroup.AddFallback(p)
				a.registerProviderCloser(p)
				wired = true
			case !errors.Is(err, config.ErrProviderNotRegistered):
				slog.Warn("skipping stt fallback", "name", entry.Name, "err", err)
			}
		}
		if trGroup != nil {
			t, err := reg.CreateTranscriber(entry)
			switch {
			case err == nil:
				trGroup.AddFallback(t)
				a.registerProviderCloser(t)
				wired = true
			case !errors.Is(err, config.ErrProviderNotRegistered):
				slog.Warn("skipping transcriber fallback", "name", entry.Name, "err", err)
			}
		}
		if !wired {
			slog.Warn("fallback provider not registered for either side", "name", entry.Name)
		}
	}

	if sttGroup != nil {
		a.sttProvider = sttGroup
	}
	if trGroup != nil {
		a.transcriber = trGroup
	}
}

// registerProviderCloser closes providers that hold external resources,
// such as a loaded whisper model.
func (a *App) registerProviderCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

func (a *App) initServer() error {
	loc := newLocator(a.norm, a.cfg.Locator)

	manager, err := session.NewManager(session.ManagerConfig{
		Store:      a.store,
		Normalizer: a.norm,
		Locator:    loc,
		Tracker:    a.cfg.Tracker.TrackConfig(),
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	a.manager = manager

	srv, err := server.New(server.Config{
		Manager:     manager,
		Store:       a.store,
		STT:         a.sttProvider,
		Transcriber: a.transcriber,
		Language:    a.cfg.STT.Language,
		Aligner:     align.New(align.WithNormalizer(a.norm)),
		Locator:     loc,
		Health:      health.New(a.version, a.checkers...),
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}
	a.srv = srv
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// newLocator builds a verse locator honouring the configured confidence
// cutoff. A zero cutoff keeps the locator default.
func newLocator(norm *arabic.Normalizer, cfg config.LocatorConfig) *locate.Locator {
	opts := []locate.Option{locate.WithNormalizer(norm)}
	if cfg.MinConfidence > 0 {
		opts = append(opts, locate.WithMinConfidence(cfg.MinConfidence))
	}
	return locate.New(opts...)
}

// Handler returns the assembled HTTP handler. Intended for tests and
// for embedding rattil into a larger mux.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Store returns the corpus store.
func (a *App) Store() quran.Store {
	return a.store
}

// WatchConfig starts polling path for configuration edits and applies
// the reloadable subset of changes to the running service: log level
// immediately, tracker and locator tuning to sessions created after the
// change.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	if a.watcher != nil {
		return errors.New("app: config watcher already running")
	}
	w, err := config.NewWatcher(path, a.applyConfig, opts...)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

func (a *App) applyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TrackerChanged {
		a.manager.SetTracker(d.NewTracker.TrackConfig())
		slog.Info("tracker tuning changed, applies to new sessions",
			"fuzzy", !d.NewTracker.DisableFuzzy,
			"resync_window", d.NewTracker.ResyncWindow,
			"miss_threshold", d.NewTracker.MissThreshold)
	}
	if d.LocatorChanged {
		a.manager.SetLocator(newLocator(a.norm, d.NewLocator))
		slog.Info("locator tuning changed, applies to new sessions",
			"min_confidence", d.NewLocator.MinConfidence)
	}
}

// Run serves HTTP traffic and sweeps idle sessions until ctx is
// cancelled, then drains in-flight requests and returns. Call Shutdown
// afterwards to release the remaining subsystems.
func (a *App) Run(ctx context.Context) error {
	idle := time.Duration(a.cfg.Session.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 5 * time.Minute
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("http server listening", "addr", a.httpSrv.Addr, "tls", tls != nil)
		var err error
		if tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if n := a.manager.PruneIdle(idle); n > 0 {
					slog.Debug("pruned idle sessions", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown releases all subsystems in reverse initialisation order.
// Safe to call multiple times; only the first call does work. Stops
// early when ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer failed during shutdown", "err", err)
			}
		}
		if a.cfg.Sentry.DSN != "" {
			sentry.Flush(2 * time.Second)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func providerName(p stt.Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}

func transcriberName(t stt.Transcriber) string {
	if t == nil {
		return "none"
	}
	return t.Name()
}
