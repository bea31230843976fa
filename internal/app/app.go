// Package app wires all Waypoint subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/config"
	"github.com/MrWong99/waypoint/internal/dispatch"
	"github.com/MrWong99/waypoint/internal/health"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/internal/resilience"
	"github.com/MrWong99/waypoint/internal/safety"
	"github.com/MrWong99/waypoint/internal/server"
	"github.com/MrWong99/waypoint/internal/session"
	"github.com/MrWong99/waypoint/internal/store"
	"github.com/MrWong99/waypoint/internal/store/memstore"
	"github.com/MrWong99/waypoint/internal/store/postgres"
	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/internal/tool/builtin"
	"github.com/MrWong99/waypoint/internal/tool/mcptool"
	"github.com/MrWong99/waypoint/internal/voice"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
	speech "github.com/MrWong99/waypoint/pkg/provider/voice"
)

const (
	// defaultProviderTimeout bounds one reasoning provider attempt when the
	// provider entry sets no timeout.
	defaultProviderTimeout = 20 * time.Second

	// drainTimeout bounds how long in-flight HTTP requests may finish after
	// Run's context is cancelled.
	drainTimeout = 10 * time.Second

	defaultListenAddr = ":8080"
)

// Reasoner is one entry of the reasoning provider chain.
type Reasoner struct {
	Name     string
	Provider llm.Provider

	// Timeout bounds one attempt against this provider. Zero uses the
	// service default.
	Timeout time.Duration
}

// Providers holds the external model clients. Populated by main.go via the
// config registry.
type Providers struct {
	// Reasoning is the ordered fallback chain. The first entry is primary.
	Reasoning []Reasoner

	// Classifier backs the safety filter's model stage. Nil disables it.
	Classifier llm.Provider

	// Voice mints realtime speech credentials. Nil disables /v1/voice.
	Voice speech.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	metrics    *observe.Metrics
	locator    reasoning.Locator
	auditor    *audit.Auditor
	tools      *tool.Registry
	stats      *tool.Stats
	importer   *mcptool.Importer
	safety     *safety.Filter
	dispatcher *dispatch.Dispatcher
	engine     *reasoning.Engine
	sessions   *session.Registry
	health     *health.Handler
	server     *server.Server

	httpSrv  *http.Server
	listener net.Listener
	logLevel *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a datastore instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLocator injects the coordinate-to-timezone locator instead of loading
// the embedded boundary data.
func WithLocator(l reasoning.Locator) Option {
	return func(a *App) { a.locator = l }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel hands New the level variable behind the process logger so
// configuration reloads can adjust it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
//
// New performs all initialisation synchronously: store connection, tool
// registration and MCP import, the manifest completeness check, and the
// construction of the safety filter, dispatcher, reasoning engine, session
// registry and HTTP server.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || len(providers.Reasoning) == 0 {
		return nil, errors.New("app: at least one reasoning provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Datastore ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Audit trail ───────────────────────────────────────────────────
	a.auditor = audit.New([]audit.Sink{
		audit.LogSink{},
		audit.StoreSink{Store: a.store},
	})

	// ── 3. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Safety filter ─────────────────────────────────────────────────
	if err := a.initSafety(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init safety: %w", err)
	}

	// ── 5. Dispatcher ────────────────────────────────────────────────────
	d := cfg.Dispatch
	a.dispatcher = dispatch.New(a.tools,
		dispatch.WithSafety(a.safety),
		dispatch.WithAuditor(a.auditor),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithStats(a.stats),
		dispatch.WithTimeout(d.Timeout.Std()),
		dispatch.WithRetry(resilience.RetryConfig{
			MaxAttempts:  d.MaxAttempts,
			InitialDelay: d.InitialBackoff.Std(),
			Factor:       d.BackoffFactor,
		}),
	)

	// ── 6. Reasoning engine ──────────────────────────────────────────────
	a.initReasoning()

	// ── 7. Session registry ──────────────────────────────────────────────
	a.sessions = session.New(a.engine,
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()),
		session.WithMetrics(a.metrics),
	)

	// ── 8. Health and HTTP server ────────────────────────────────────────
	checks := []health.Checker{{Name: "store", Check: a.store.Ping}}
	if providers.Classifier != nil {
		checks = append(checks, health.BreakerCheck("classifier", a.safety.Breaker()))
	}
	a.health = health.New(checks...)

	a.server = server.New(server.Config{
		Sessions:         a.sessions,
		Auth:             server.NewAuthenticator(cfg.Server.Auth.JWTSecret),
		Speech:           providers.Voice,
		SpeechSession:    voice.SpeechSession(cfg.Session.Speech.Voice, cfg.Session.Speech.Instructions),
		VoiceIdleTimeout: cfg.Session.VoiceIdleTimeout.Std(),
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		Health:           a.health,
		Metrics:          a.metrics,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("store.postgres_dsn not set, expenses and events are kept in memory")
		a.store = memstore.New()
		return nil
	}
	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	slog.Info("connected to postgres store")
	return nil
}

// initTools registers the built-in tools, imports MCP tools, runs the
// manifest completeness check and seals the registry.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tool.NewRegistry()
	a.stats = tool.NewStats(0)

	deps := builtin.Deps{
		Store: a.store,
		Stats: a.stats,
		Audit: audit.ReaderFunc(a.store.RecentAudit),
	}
	if err := builtin.Register(a.tools, deps, a.cfg.Tools.Deferred...); err != nil {
		return err
	}

	if len(a.cfg.MCP.Servers) > 0 {
		a.importer = mcptool.New()
		a.closers = append(a.closers, a.importer.Close)

		cfgs := make([]mcptool.ServerConfig, 0, len(a.cfg.MCP.Servers))
		for _, s := range a.cfg.MCP.Servers {
			cfgs = append(cfgs, s.Importer())
		}
		for _, def := range a.importer.ConnectAll(ctx, cfgs) {
			if err := a.tools.Register(def); err != nil {
				slog.Warn("skipping mcp tool", "tool", def.Name, "source", def.Source, "err", err)
			}
		}
	}

	deferred := slices.Concat(builtin.Deferred, a.cfg.Tools.Deferred)
	slices.Sort(deferred)
	deferred = slices.Compact(deferred)
	if err := a.tools.CheckCompleteness(builtin.Declared, deferred); err != nil {
		return err
	}
	a.tools.Seal()
	slog.Info("tool registry sealed", "tools", a.tools.Len(), "deferred", len(deferred))
	return nil
}

// initSafety builds the content filter with the optional model classifier
// behind a circuit breaker.
func (a *App) initSafety() error {
	sc := a.cfg.Safety
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "classifier",
		MaxFailures:  sc.Breaker.MaxFailures,
		ResetTimeout: sc.Breaker.ResetTimeout.Std(),
		HalfOpenMax:  sc.Breaker.HalfOpenMax,
	})
	opts := []safety.Option{
		safety.WithBreaker(breaker),
		safety.WithAuditor(a.auditor),
		safety.WithMetrics(a.metrics),
	}
	if a.providers.Classifier != nil {
		opts = append(opts,
			safety.WithClassifier(safety.NewLLMClassifier(a.providers.Classifier)),
			safety.WithClassifierTimeout(sc.ClassifierTimeout.Std()),
		)
	}
	a.safety = safety.New(opts...)

	extra, err := safety.CompilePatterns(sc.Patterns)
	if err != nil {
		return err
	}
	a.safety.SetExtraPatterns(extra)
	return nil
}

// initReasoning assembles the provider fallback chain and the engine.
func (a *App) initReasoning() {
	chain := a.providers.Reasoning
	primary := chain[0]
	fb := resilience.NewLLMFallback(primary.Provider, primary.Name, resilience.FallbackConfig{
		AttemptTimeout: cmp.Or(primary.Timeout, defaultProviderTimeout),
		OnResult: func(name string, _ time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordProviderRequest(context.Background(), name, "reasoning", status)
		},
	})
	for _, r := range chain[1:] {
		fb.AddFallbackTimeout(r.Name, r.Provider, cmp.Or(r.Timeout, defaultProviderTimeout))
	}

	if a.locator == nil {
		loc, err := reasoning.NewLocator()
		if err != nil {
			slog.Warn("timezone lookup by location disabled", "err", err)
		} else {
			a.locator = loc
		}
	}

	sc := a.cfg.Session
	a.engine = reasoning.New(fb, a.dispatcher, a.tools,
		reasoning.WithSafety(a.safety),
		reasoning.WithResolver(reasoning.NewResolver(a.locator)),
		reasoning.WithMetrics(a.metrics),
		reasoning.WithHistoryWindow(sc.HistoryWindow),
		reasoning.WithMaxToolRounds(sc.MaxToolRounds),
		reasoning.WithInstructions(sc.Instructions),
		reasoning.WithDefaultLocale(sc.DefaultLocale),
	)
}

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the live session registry.
func (a *App) Sessions() *session.Registry { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the idle-session sweep and serves HTTP until ctx is cancelled.
// On cancellation readiness flips to draining and in-flight requests get
// [drainTimeout] to finish. Run returns nil after a clean drain.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		addr := cmp.Or(a.cfg.Server.ListenAddr, defaultListenAddr)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
	}

	a.httpSrv = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sessions.Start(ctx)

	tls := a.cfg.Server.TLS
	slog.Info("waypoint listening", "addr", ln.Addr().String(), "tls", tls != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http drain incomplete", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a configuration change:
// the log level and the extra safety patterns. Other changes only take
// effect after a restart.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SafetyPatternsChanged {
		p, err := safety.CompilePatterns(d.NewSafetyPatterns)
		if err != nil {
			slog.Error("safety patterns rejected, keeping previous set", "err", err)
			return
		}
		a.safety.SetExtraPatterns(p)
		slog.Info("safety patterns reloaded", "count", len(p))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session sweep, closes every session's voice bridge and
// then tears down subsystems in reverse-init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("session close incomplete", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
