// Package engine is the front-end facing API of papin. It owns the session to
// the remote endpoint, the local fallback model, the connectivity monitor and
// the router, and hands each submitted request back as a RequestHandle whose
// outcome channel is the authoritative record of that request.
//
// GUI, CLI and TUI front ends use it the same way:
//
//	eng, err := engine.New(cfg, engine.WithLogger(logger))
//	sh, err := eng.OpenSession(ctx, credentials.Credentials{})
//	req, err := eng.Submit(ctx, sh, engine.RequestDescriptor{ModelID: "m", Payload: "hi", Streaming: true})
//	for o := range req.Outcomes() { ... }
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/bus"
	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/credentials"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/local"
	"github.com/PolycarpusTack/papin/internal/metrics"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
	"github.com/PolycarpusTack/papin/internal/transport"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine: closed")

// ═══════════════════════════════════════════════════════════════════════════════
// OPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

type options struct {
	logger     zerolog.Logger
	channel    transport.Channel
	backend    local.Backend
	prober     connectivity.Prober
	noProber   bool
	prom       *metrics.Prometheus
	store      *metrics.Store
	reporters  []router.Reporter
	creds      credentials.Source
	historyLen int
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithChannel replaces the WebSocket transport.
func WithChannel(ch transport.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithLocalBackend replaces the Ollama backend of the local provider.
func WithLocalBackend(b local.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithProber replaces the configured connectivity probes. A nil prober
// disables probing; the monitor then follows session events only.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) {
		o.prober = p
		o.noProber = p == nil
	}
}

// WithPrometheus exports engine metrics on p.
func WithPrometheus(p *metrics.Prometheus) Option {
	return func(o *options) { o.prom = p }
}

// WithStore records request outcomes in s instead of the configured
// diagnostics database.
func WithStore(s *metrics.Store) Option {
	return func(o *options) { o.store = s }
}

// WithReporter adds a routing decision reporter.
func WithReporter(r router.Reporter) Option {
	return func(o *options) { o.reporters = append(o.reporters, r) }
}

// WithCredentials sets where OpenSession finds a token when it is given none.
func WithCredentials(src credentials.Source) Option {
	return func(o *options) { o.creds = src }
}

// WithEventHistory sets how many bus events are retained for late observers.
func WithEventHistory(n int) Option {
	return func(o *options) { o.historyLen = n }
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is one client's session and routing core.
type Engine struct {
	config     *config.Config
	logger     zerolog.Logger
	rootLogger zerolog.Logger

	bus       *bus.Bus
	monitor   *connectivity.Monitor
	channel   transport.Channel
	remote    *remoteProvider
	local     *local.Adapter
	router    *router.Router
	creds     credentials.Source

	prom      *metrics.Prometheus
	store     *metrics.Store
	ownStore  bool
	collector *metrics.Collector
	retention *metrics.Retention

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	remoteLink *remoteLink
	handle     *SessionHandle
	inflight   map[string]*RequestHandle
}

// New wires an engine from cfg and starts its background monitors. No
// connection is made until OpenSession or, with auto-connect, the first
// remote request.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{logger: zerolog.Nop(), historyLen: bus.DefaultHistorySize}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	e := &Engine{
		config:     cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		rootLogger: logger,
		inflight:   make(map[string]*RequestHandle),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	// ─── Events ──────────────────────────────────────────────────────────────
	e.bus = bus.NewWithHistory(o.historyLen, logger)

	// ─── Connectivity ────────────────────────────────────────────────────────
	prober := o.prober
	if prober == nil && !o.noProber {
		prober = cfg.Prober()
	}
	e.monitor = connectivity.NewMonitor(prober, cfg.ConnectivitySettings(), logger)

	// ─── Remote ──────────────────────────────────────────────────────────────
	e.channel = o.channel
	if e.channel == nil {
		e.channel = transport.NewWebSocketChannel(cfg.WebSocketSettings(), logger)
	}
	e.remoteLink = e.newLink()
	e.remote = &remoteProvider{link: e.link, autoConnect: cfg.Session.AutoConnect}

	// ─── Local ───────────────────────────────────────────────────────────────
	var localProvider router.Provider
	if cfg.Local.Enabled {
		backend := o.backend
		if backend == nil {
			backend = local.NewOllama(cfg.Local.Endpoint, logger, local.WithTimeouts(cfg.LocalTimeouts()))
		}
		e.local = local.NewAdapter(backend, cfg.LocalSettings(), logger)
		localProvider = e.local
	}

	// ─── Routing ─────────────────────────────────────────────────────────────
	var routerOpts []router.Option
	for _, r := range o.reporters {
		routerOpts = append(routerOpts, router.WithReporter(r))
	}
	e.router = router.New(e.remote, localProvider, e.monitor, cfg.RouterSettings(), logger, routerOpts...)

	// ─── Credentials ─────────────────────────────────────────────────────────
	e.creds = o.creds
	if e.creds == nil {
		e.creds = credentials.Chain{
			credentials.Static(cfg.Credentials.Token),
			credentials.Env{},
			credentials.NewKeyring(cfg.Credentials.Account),
		}
	}

	// ─── Metrics ─────────────────────────────────────────────────────────────
	if err := e.startMetrics(o, logger); err != nil {
		e.shutdown()
		return nil, err
	}

	e.startBackground()
	return e, nil
}

func (e *Engine) startMetrics(o options, logger zerolog.Logger) error {
	e.prom = o.prom
	if e.prom == nil && e.config.Metrics.Enabled {
		e.prom = metrics.NewPrometheus()
	}
	if e.prom != nil {
		e.prom.RegisterPending(func() int { return e.link().mux.Pending() })
		e.prom.RegisterBusDropped(e.bus.Dropped)
	}

	e.store = o.store
	if e.store == nil && e.config.Diagnostics.Enabled {
		store, err := metrics.OpenStore(e.config.Diagnostics.DBPath)
		if err != nil {
			return fmt.Errorf("open diagnostics store: %w", err)
		}
		e.store = store
		e.ownStore = true
	}
	if e.store != nil && e.config.Diagnostics.MaxAge > 0 {
		retention, err := metrics.NewRetention(e.store, e.config.Diagnostics.RetentionSchedule, e.config.Diagnostics.MaxAge, logger)
		if err != nil {
			return fmt.Errorf("diagnostics retention: %w", err)
		}
		e.retention = retention
		e.retention.Start()
	}

	if e.prom != nil || e.store != nil {
		e.collector = metrics.NewCollector(e.bus, e.prom, e.store, logger)
		if err := e.collector.Start(); err != nil {
			return fmt.Errorf("start metrics collector: %w", err)
		}
	}
	return nil
}

func (e *Engine) startBackground() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(e.ctx)
	}()

	if e.local != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.local.Run(e.ctx)
		}()
	}

	transitions, stop := e.monitor.Subscribe(32)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case t := <-transitions:
				e.publishConnectivity(t)
			}
		}
	}()
}

// ─────────────────────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────────────────────

// SessionHandle is the caller's reference to the engine's session.
type SessionHandle struct {
	engine  *Engine
	session *session.Session
}

// ID returns the session id.
func (h *SessionHandle) ID() string { return h.session.ID() }

// State returns the session state.
func (h *SessionHandle) State() session.State { return h.session.State() }

// Snapshot returns the session bookkeeping.
func (h *SessionHandle) Snapshot() session.Snapshot { return h.session.Snapshot() }

// OpenSession connects and authenticates. Empty creds are resolved from the
// configured token, PAPIN_TOKEN and the OS keychain, in that order. It
// returns once the session is Ready, or with AuthRejected, SessionClosed or
// the context error.
func (e *Engine) OpenSession(ctx context.Context, creds credentials.Credentials) (*SessionHandle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	if creds.Empty() {
		resolved, err := e.creds.Credentials(ctx)
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				return nil, failure.New(failure.AuthRejected, "engine.open_session", "no credentials available")
			}
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
		creds = resolved
	}

	link := e.link()
	if link.session.State() == session.Closed {
		var err error
		if link, err = e.renewLink(link); err != nil {
			return nil, err
		}
	}

	if err := link.session.Open(ctx, creds); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil || e.handle.session != link.session {
		e.handle = &SessionHandle{engine: e, session: link.session}
	}
	e.logger.Info().Str("session_id", link.session.ID()).Msg("session open")
	return e.handle, nil
}

// CloseSession closes the session. Pending remote requests fail with
// SessionClosed; the engine keeps serving local requests, and a later
// OpenSession starts a new session.
func (e *Engine) CloseSession() error {
	return e.link().session.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Status
// ─────────────────────────────────────────────────────────────────────────────

// Status is a point-in-time view of the engine.
type Status struct {
	Session      session.Snapshot      `json:"session"`
	Connectivity connectivity.Snapshot `json:"connectivity"`
	Remote       router.Descriptor     `json:"remote"`
	Local        *router.Descriptor    `json:"local,omitempty"`
	Pending      int                   `json:"pending"`
	InFlight     int                   `json:"in_flight"`
	EventsLost   uint64                `json:"events_dropped"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	link := e.link()
	st := Status{
		Session:      link.session.Snapshot(),
		Connectivity: e.monitor.Current(),
		Remote:       e.remote.Descriptor(),
		Pending:      link.mux.Pending(),
		EventsLost:   e.bus.Dropped(),
	}
	if e.local != nil {
		d := e.local.Descriptor()
		st.Local = &d
	}
	e.mu.Lock()
	st.InFlight = len(e.inflight)
	e.mu.Unlock()
	return st
}

// Connectivity returns the current connectivity state.
func (e *Engine) Connectivity() connectivity.Snapshot {
	return e.monitor.Current()
}

// CheckConnectivity runs one probe now.
func (e *Engine) CheckConnectivity(ctx context.Context) connectivity.Observation {
	return e.monitor.Check(ctx)
}

// RefreshLocal re-probes the local backend. It is a no-op when local is disabled.
func (e *Engine) RefreshLocal(ctx context.Context) error {
	if e.local == nil {
		return nil
	}
	return e.local.Refresh(ctx)
}

// MetricsHandler serves the engine's Prometheus registry. It is nil when
// metrics are disabled.
func (e *Engine) MetricsHandler() http.Handler {
	if e.prom == nil {
		return nil
	}
	return e.prom.Handler()
}

// RecentEvents returns up to n recent engine events.
func (e *Engine) RecentEvents(n int) []bus.Event {
	return e.bus.Recent(n)
}

// Close closes the session, fails in-flight requests and stops background work.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	start := time.Now()
	e.shutdown()
	e.logger.Info().Dur("took", time.Since(start)).Msg("engine closed")
	return nil
}

func (e *Engine) shutdown() {
	e.link().session.Close()

	e.mu.Lock()
	handles := make([]*RequestHandle, 0, len(e.inflight))
	for _, h := range e.inflight {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}

	e.cancel()
	e.router.Close()
	e.wg.Wait()

	if e.collector != nil {
		e.collector.Stop()
	}
	if e.retention != nil {
		e.retention.Stop()
	}
	e.bus.Close()
	if e.ownStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("close diagnostics store")
		}
	}
}
