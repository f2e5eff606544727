// Package app wires the livevoice subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds every subsystem from
// the config, Run serves the HTTP control surface until the context ends,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithStore, WithPublisher, etc.). When an option is not provided, New
// creates the real implementation named by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/internal/server"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/internal/transcript"
	"github.com/MrWong99/livevoice/internal/transcript/natsbus"
	"github.com/MrWong99/livevoice/internal/transcript/postgres"
	"github.com/MrWong99/livevoice/internal/transcript/sqlite"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	reg            *config.Registry
	level          *slog.LevelVar
	logger         *slog.Logger
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	input     *eofInput
	output    audio.OutputDevice
	failover  *resilience.Failover
	store     transcript.Store
	publisher transcript.Publisher
	ctrl      *session.Controller
	recorder  *transcript.Recorder
	health    *health.Handler
	server    *server.Server

	// The recorder subscribes in New so no event is missed before Run, and
	// keeps draining until Shutdown unsubscribes it.
	unsubscribe  func()
	recorderDone chan struct{}

	mu        sync.Mutex
	runCtx    context.Context
	restarter *session.Restarter

	// closers are called in reverse order during Shutdown.
	closers []namedCloser

	stopOnce sync.Once
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the registry devices and endpoints are created from.
// Defaults to [NewRegistry].
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithStore injects a transcript store instead of creating one from config.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p transcript.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Store and bus
// connections are opened synchronously; a failure releases whatever was
// already opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.reg == nil {
		a.reg = NewRegistry(a.logger)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New()

	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Endpoint + failover ───────────────────────────────────────────
	if err := a.initEndpoint(); err != nil {
		return nil, fmt.Errorf("app: init endpoint: %w", err)
	}

	// ── 3. Transcript store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	// ── 4. Event bus ─────────────────────────────────────────────────────
	if err := a.initPublisher(); err != nil {
		return nil, fmt.Errorf("app: init event bus: %w", err)
	}

	// ── 5. Session controller ────────────────────────────────────────────
	a.initController()

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
	}
	if a.store != nil {
		srvOpts = append(srvOpts, server.WithStore(a.store))
	}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.ctrl, srvOpts...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevices() error {
	entry := a.cfg.Audio.Input
	if _, ok := entry.Options["frame_samples"]; !ok && a.cfg.Audio.FrameSamples > 0 {
		entry.Options = maps.Clone(entry.Options)
		if entry.Options == nil {
			entry.Options = make(map[string]any, 1)
		}
		entry.Options["frame_samples"] = a.cfg.Audio.FrameSamples
	}
	in, err := a.reg.CreateInput(entry)
	if err != nil {
		return fmt.Errorf("input device %q: %w", a.cfg.Audio.Input.Name, err)
	}
	a.input = newEOFInput(in)

	out, err := a.reg.CreateOutput(a.cfg.Audio.Output)
	if err != nil {
		return fmt.Errorf("output device %q: %w", a.cfg.Audio.Output.Name, err)
	}
	a.output = out
	a.logger.Info("audio devices configured", "input", a.cfg.Audio.Input.Name, "output", a.cfg.Audio.Output.Name)
	return nil
}

func (a *App) initEndpoint() error {
	ep := a.cfg.Endpoint
	primary, err := a.reg.CreateEndpoint(ep.ProviderEntry)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", ep.Name, err)
	}
	breaker := resilience.BreakerConfig{
		MaxFailures: ep.Breaker.MaxFailures,
		Cooldown:    ep.Breaker.Cooldown,
		Logger:      a.logger,
	}
	a.failover = resilience.NewFailover(endpointLabel(ep.ProviderEntry, 0), primary, breaker)

	for i, entry := range ep.Fallbacks {
		fb, err := a.reg.CreateEndpoint(entry)
		if err != nil {
			return fmt.Errorf("fallback endpoint %d (%q): %w", i, entry.Name, err)
		}
		a.failover.Add(endpointLabel(entry, i+1), fb)
	}
	a.health.Add(health.Checker{Name: "endpoint", Check: a.failover.Check})
	a.logger.Info("endpoint configured", "name", ep.Name, "model", ep.Model, "fallbacks", len(ep.Fallbacks))
	return nil
}

// endpointLabel names a failover entry for logs and breaker state.
func endpointLabel(e config.ProviderEntry, i int) string {
	if i == 0 {
		return e.Name
	}
	return fmt.Sprintf("%s#%d", e.Name, i)
}

// pinger is implemented by stores and buses that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		sc := a.cfg.Transcript.Store
		switch sc.Backend {
		case config.StoreNone:
			a.logger.Info("transcript store disabled")
			return nil
		case config.StoreMemory, "":
			a.store = transcript.NewMemoryStore()
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, sc.Path)
			if err != nil {
				return err
			}
			a.store = s
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, sc.DSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			return fmt.Errorf("unknown backend %q", sc.Backend)
		}
		a.logger.Info("transcript store opened", "backend", sc.Backend)
	}
	a.addCloser("transcript store", a.store.Close)
	if p, ok := a.store.(pinger); ok {
		a.health.Add(health.Checker{Name: "transcript_store", Check: p.Ping})
	}
	return nil
}

func (a *App) initPublisher() error {
	if a.publisher != nil {
		a.addHealth("event_bus", a.publisher)
		return nil
	}
	nc := a.cfg.Transcript.NATS
	if !nc.Enabled() {
		return nil
	}

	servers := nc.Servers
	if nc.Embedded {
		srv, err := natsbus.StartEmbedded("", nc.EmbeddedPort, a.logger)
		if err != nil {
			return err
		}
		a.addCloser("embedded nats", func() error {
			srv.Shutdown()
			return nil
		})
		servers = []string{srv.ClientURL()}
	}

	pub, err := natsbus.Connect(natsbus.Config{
		Servers:        servers,
		SubjectPrefix:  nc.SubjectPrefix,
		ConnectTimeout: nc.ConnectTimeout,
		Username:       nc.Username,
		Password:       nc.Password,
		Token:          nc.Token,
		TLSInsecure:    nc.TLSInsecure,
	}, a.logger)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.addCloser("nats publisher", pub.Close)
	a.addHealth("event_bus", pub)
	return nil
}

func (a *App) addHealth(name string, v any) {
	if p, ok := v.(pinger); ok {
		a.health.Add(health.Checker{Name: name, Check: p.Ping})
	}
}

func (a *App) initController() {
	drain := config.DefaultDrainTimeout
	if d := a.cfg.Session.DrainTimeout; d != nil {
		drain = *d
	}
	a.ctrl = session.New(session.Config{
		Input:             a.input,
		Output:            a.output,
		Endpoint:          a.failover,
		Live:              LiveConfig(a.cfg),
		MaxFrameSamples:   a.cfg.Audio.MaxFrameSamples,
		DrainTimeout:      drain,
		ResetCursorToZero: a.cfg.Session.ResetCursorToZero,
		EventBuffer:       a.cfg.Session.EventBuffer,
		Metrics:           a.metrics,
		Logger:            a.logger,
	})
	a.addCloser("session controller", a.ctrl.Close)

	if a.store != nil || a.publisher != nil {
		var ropts []transcript.RecorderOption
		if a.store != nil {
			ropts = append(ropts, transcript.WithStore(a.store))
		}
		if a.publisher != nil {
			ropts = append(ropts, transcript.WithPublisher(a.publisher))
		}
		ropts = append(ropts, transcript.WithLogger(a.logger))
		a.recorder = transcript.NewRecorder(ropts...)

		events, unsubscribe := a.ctrl.Subscribe()
		a.unsubscribe = unsubscribe
		a.recorderDone = make(chan struct{})
		go func() {
			defer close(a.recorderDone)
			a.recorder.Run(context.Background(), events)
		}()
	}
}

// LiveConfig builds the endpoint session setup from cfg.
func LiveConfig(cfg *config.Config) live.Config {
	return live.Config{
		Model: cfg.Endpoint.Model,
		OutboundFormat: audio.Format{
			SampleRate: cfg.Audio.OutboundSampleRate,
			Channels:   cfg.Audio.OutboundChannels,
			Encoding:   audio.EncodingPCM16,
		},
		Modality:            live.Modality(cfg.Endpoint.Modality),
		Voice:               cfg.Endpoint.Voice,
		Instructions:        cfg.Endpoint.Instructions,
		InputTranscription:  cfg.Endpoint.InputTranscription,
		OutputTranscription: cfg.Endpoint.OutputTranscription == nil || *cfg.Endpoint.OutputTranscription,
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP handler of the control surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Store returns the transcript store, or nil when persistence is disabled.
func (a *App) Store() transcript.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run enables the restart policy and serves the HTTP control surface until
// ctx is cancelled. It returns nil after a clean shutdown of the server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setRunContext(ctx)

	tls := a.cfg.Server.TLS
	var cert, key string
	if tls != nil {
		cert, key = tls.CertFile, tls.KeyFile
	}

	// Readiness fails as soon as shutdown begins so load balancers stop
	// routing before connections are drained.
	stopDraining := context.AfterFunc(ctx, a.health.MarkDraining)
	defer stopDraining()

	a.logger.Info("livevoice ready", "listen_addr", a.cfg.Server.ListenAddr)
	if err := a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr, cert, key); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// setRunContext starts the configured restart policy bound to ctx.
func (a *App) setRunContext(ctx context.Context) {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()
	a.applyRestart(a.cfg.Restart)
}

// applyRestart replaces the restart policy. A disabled policy stops the
// current restarter.
func (a *App) applyRestart(rc config.RestartConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restarter != nil {
		a.restarter.Stop()
		a.restarter = nil
	}
	if !rc.Enabled || a.runCtx == nil {
		return
	}
	a.restarter = session.NewRestarter(session.RestarterConfig{
		Starter:    a.ctrl,
		MaxRetries: rc.MaxRetries,
		Backoff:    rc.Backoff,
		MaxBackoff: rc.MaxBackoff,
		OnRestart: func(s session.Session) {
			a.logger.Info("session restarted after transport failure", "session_id", s.ID)
		},
	})
	a.restarter.Monitor(a.runCtx)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level, the endpoint persona and transcription toggles (for the next
// session) and the restart policy. Other changes are logged and ignored
// until the process restarts. It is the callback for [config.NewWatcher].
func (a *App) ApplyConfig(_, updated *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged || d.TranscriptionChanged {
		next := a.ctrl.LiveConfig()
		fresh := LiveConfig(updated)
		next.Voice = fresh.Voice
		next.Instructions = fresh.Instructions
		next.InputTranscription = fresh.InputTranscription
		next.OutputTranscription = fresh.OutputTranscription
		a.ctrl.SetLiveConfig(next)
		a.logger.Info("endpoint persona updated for the next session", "voice", next.Voice)
	}
	if d.RestartChanged {
		a.applyRestart(updated.Restart)
		a.logger.Info("restart policy updated", "enabled", updated.Restart.Enabled)
	}
	if len(d.RequiresRestart) > 0 {
		a.logger.Warn("config changes require a restart to take effect", "sections", d.RequiresRestart)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session, letting queued speech drain, then
// tears down all subsystems in reverse-init order. If ctx expires first,
// the remaining closers still run and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		a.health.MarkDraining()

		a.mu.Lock()
		if a.restarter != nil {
			a.restarter.Stop()
		}
		a.mu.Unlock()

		if a.ctrl != nil {
			if err := a.ctrl.Stop(ctx); err != nil {
				a.logger.Warn("session stop did not finish in time", "err", err)
				shutdownErr = err
			}
		}
		if a.unsubscribe != nil {
			a.unsubscribe()
			select {
			case <-a.recorderDone:
			case <-ctx.Done():
				a.logger.Warn("transcript recorder did not finish in time")
				shutdownErr = ctx.Err()
			}
		}
		a.runClosers()
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("closer error", "name", c.name, "err", err)
		}
	}
	a.closers = nil
}
