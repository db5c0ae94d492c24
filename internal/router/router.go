package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
)

const reportBuffer = 256

// Config holds routing policy.
type Config struct {
	// AutoFailover retries a remote transport failure once on the local provider.
	AutoFailover bool
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{AutoFailover: true}
}

// Router picks a provider per request and relays its outcomes.
type Router struct {
	remote Provider
	local  Provider
	conn   ConnectivitySource
	config Config
	logger zerolog.Logger
	tracer trace.Tracer

	reporters []Reporter
	reports   chan Decision
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithReporter adds a decision reporter.
func WithReporter(rep Reporter) Option {
	return func(r *Router) {
		r.reporters = append(r.reporters, rep)
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// New creates a router. Either provider may be nil when not configured.
func New(remote, local Provider, conn ConnectivitySource, config Config, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		remote:  remote,
		local:   local,
		conn:    conn,
		config:  config,
		logger:  logger.With().Str("component", "router").Logger(),
		tracer:  otel.Tracer("github.com/PolycarpusTack/papin/internal/router"),
		reports: make(chan Decision, reportBuffer),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.dispatchReports()
	return r
}

// Close stops decision reporting.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING LOGIC
// ═══════════════════════════════════════════════════════════════════════════════

// Route chooses a provider for req. Evaluation order:
//
//	1: explicit override, if that provider is Available
//	2: offline, local if it can serve the model
//	3: remote unless it is Unavailable, then local if capable
//
// Failover (remote transport failure → local) happens in Execute.
func (r *Router) Route(req Request) (Decision, Provider, error) {
	state := connectivity.Online
	if r.conn != nil {
		state = r.conn.Current().State
	}

	decision := Decision{
		RequestID:    req.ID,
		Model:        req.Model,
		Connectivity: state,
		DecidedAt:    time.Now(),
	}

	// =========================================================================
	// 1: Caller override
	// =========================================================================

	if req.Override != "" {
		if p := r.provider(req.Override); p != nil && p.Descriptor().Health == Available {
			decision.Provider = req.Override
			decision.Reason = ReasonOverride
			return decision, p, nil
		}
		r.logger.Debug().Str("override", string(req.Override)).Msg("override provider not available, falling through")
	}

	// =========================================================================
	// 2: Offline
	// =========================================================================

	if state == connectivity.Offline {
		if r.localCanServe(req) {
			decision.Provider = Local
			decision.Reason = ReasonOfflineFallback
			return decision, r.local, nil
		}
		return decision, nil, failure.New(failure.NoProviderAvailable, "router.route", "offline and no local model serves "+req.Model)
	}

	// =========================================================================
	// 3: Prefer remote
	// =========================================================================

	if r.remote != nil && r.remote.Descriptor().Health != Unavailable {
		decision.Provider = Remote
		decision.Reason = ReasonDefaultRemote
		return decision, r.remote, nil
	}
	if r.localCanServe(req) {
		decision.Provider = Local
		decision.Reason = ReasonRemoteUnavailable
		return decision, r.local, nil
	}
	return decision, nil, failure.New(failure.NoProviderAvailable, "router.route", "no provider serves "+req.Model)
}

// Execute routes req, submits it and relays the provider's outcomes to the
// returned Routed. A transport-class failure from the remote provider,
// before any chunk reached the caller, is retried once on the local
// provider.
func (r *Router) Execute(ctx context.Context, req Request) (*Routed, error) {
	ctx, span := r.tracer.Start(ctx, "router.execute", trace.WithAttributes(
		attribute.String("papin.request_id", req.ID),
		attribute.String("papin.model", req.Model),
		attribute.Bool("papin.streaming", req.Streaming),
	))

	decision, provider, err := r.Route(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no provider")
		span.End()
		return nil, err
	}

	ex, err := provider.Submit(ctx, req)
	if err != nil {
		if !r.canFailover(decision, req, err) {
			return nil, r.rejected(decision, err, span, "submit failed")
		}
		decision, ex, err = r.failover(ctx, req, decision, err)
		if err != nil {
			return nil, r.rejected(decision, err, span, "failover failed")
		}
	}

	rt := &Routed{
		sink:    outcome.NewSink(),
		current: ex,
		done:    make(chan struct{}),
	}
	go r.relay(rt, req, decision, ex, span)
	return rt, nil
}

func (r *Router) relay(rt *Routed, req Request, decision Decision, ex Exchange, span trace.Span) {
	defer close(rt.done)
	defer span.End()

	forwarded := false
	reported := false

	for o := range ex.Outcomes() {
		if o.Kind == outcome.Failed && !forwarded && !rt.isCancelled() && r.canFailover(decision, req, o.Err) {
			next, nextEx, err := r.failover(context.Background(), req, decision, o.Err)
			if err == nil {
				if !rt.swap(nextEx) {
					nextEx.Cancel()
				}
				r.relayRest(rt, next, nextEx, span)
				return
			}
			r.logger.Warn().Err(err).Str("request_id", req.ID).Msg("failover submit failed")
		}

		if !reported {
			reported = true
			r.publish(rt, decision, span)
		}

		rt.sink.Deliver(o)
		if o.Kind == outcome.Chunk {
			forwarded = true
		}
		if o.Terminal() {
			finishSpan(span, o)
			return
		}
	}
	r.unterminated(rt, decision, span, reported)
}

// relayRest forwards a failover exchange. No further failover is attempted.
func (r *Router) relayRest(rt *Routed, decision Decision, ex Exchange, span trace.Span) {
	r.publish(rt, decision, span)
	for o := range ex.Outcomes() {
		rt.sink.Deliver(o)
		if o.Terminal() {
			finishSpan(span, o)
			return
		}
	}
	r.unterminated(rt, decision, span, true)
}

// unterminated fails a request whose exchange closed without a terminal
// outcome.
func (r *Router) unterminated(rt *Routed, decision Decision, span trace.Span, reported bool) {
	if !reported {
		r.publish(rt, decision, span)
	}
	o := outcome.Fail(failure.New(failure.Protocol, "router.relay", "exchange closed without a terminal outcome"))
	rt.sink.Deliver(o)
	finishSpan(span, o)
}

func (r *Router) failover(ctx context.Context, req Request, from Decision, cause error) (Decision, Exchange, error) {
	r.logger.Warn().
		Err(cause).
		Str("request_id", req.ID).
		Str("model", req.Model).
		Msg("remote transport failed, failing over to local")

	ex, err := r.local.Submit(ctx, req)
	if err != nil {
		return from, nil, err
	}

	next := from
	next.Provider = Local
	next.Reason = ReasonFailover
	next.Failover = true
	next.FailoverCause = cause.Error()
	next.DecidedAt = time.Now()
	if r.conn != nil {
		next.Connectivity = r.conn.Current().State
	}
	return next, ex, nil
}

// canFailover never moves an overridden request off the provider the caller
// pinned.
func (r *Router) canFailover(d Decision, req Request, err error) bool {
	return r.config.AutoFailover &&
		d.Provider == Remote &&
		d.Reason != ReasonOverride &&
		!d.Failover &&
		failure.IsTransport(err) &&
		r.localCanServe(req)
}

func (r *Router) localCanServe(req Request) bool {
	if r.local == nil {
		return false
	}
	desc := r.local.Descriptor()
	return desc.Health != Unavailable && desc.Capabilities.Supports(req.Model, req.Streaming)
}

func (r *Router) provider(kind ProviderKind) Provider {
	switch kind {
	case Remote:
		return r.remote
	case Local:
		return r.local
	default:
		return nil
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// REPORTING
// ═══════════════════════════════════════════════════════════════════════════════

// rejected reports a decision whose submit failed and ends its span.
func (r *Router) rejected(d Decision, err error, span trace.Span, status string) error {
	r.report(d, span)
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	span.End()
	return &SubmitError{Decision: d, Err: err}
}

func (r *Router) publish(rt *Routed, d Decision, span trace.Span) {
	rt.setDecision(d)
	r.report(d, span)
}

func (r *Router) report(d Decision, span trace.Span) {
	span.SetAttributes(
		attribute.String("papin.provider", string(d.Provider)),
		attribute.String("papin.reason", string(d.Reason)),
		attribute.Bool("papin.failover", d.Failover),
	)

	r.logger.Debug().
		Str("request_id", d.RequestID).
		Str("provider", string(d.Provider)).
		Str("reason", string(d.Reason)).
		Bool("failover", d.Failover).
		Msg("routing decision")

	select {
	case r.reports <- d:
	default:
		r.logger.Warn().Str("request_id", d.RequestID).Msg("decision reporter backlog full, decision dropped")
	}
}

func (r *Router) dispatchReports() {
	defer r.wg.Done()
	for {
		select {
		case d := <-r.reports:
			for _, rep := range r.reporters {
				r.safeReport(rep, d)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Router) safeReport(rep Reporter, d Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("decision reporter panicked")
		}
	}()
	rep.ReportDecision(d)
}

func finishSpan(span trace.Span, o outcome.Outcome) {
	if o.Kind == outcome.Failed {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, string(failure.KindOf(o.Err)))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTED REQUEST
// ═══════════════════════════════════════════════════════════════════════════════

// Routed is a request in flight through the router.
type Routed struct {
	sink *outcome.Sink
	done chan struct{}

	mu        sync.Mutex
	current   Exchange
	cancelled bool
	decision  *Decision
}

// Outcomes returns the relayed outcome channel.
func (rt *Routed) Outcomes() <-chan outcome.Outcome { return rt.sink.C() }

// Cancel cancels the request on whichever provider currently serves it.
func (rt *Routed) Cancel() {
	rt.mu.Lock()
	rt.cancelled = true
	cur := rt.current
	rt.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

// Decision returns the reported decision, or false before it is known.
func (rt *Routed) Decision() (Decision, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.decision == nil {
		return Decision{}, false
	}
	return *rt.decision, true
}

// Done is closed when the relay has delivered the terminal outcome.
func (rt *Routed) Done() <-chan struct{} { return rt.done }

// Wait blocks until the request completes and returns its result.
func (rt *Routed) Wait(ctx context.Context) (string, error) {
	return outcome.Collect(ctx, rt.sink.C())
}

// Abandon releases the outcome channel for a caller that stops reading.
func (rt *Routed) Abandon() { rt.sink.Abandon() }

func (rt *Routed) isCancelled() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancelled
}

// swap installs the failover exchange. It reports false when the request
// was cancelled in the meantime.
func (rt *Routed) swap(ex Exchange) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.current = ex
	return !rt.cancelled
}

func (rt *Routed) setDecision(d Decision) {
	rt.mu.Lock()
	rt.decision = &d
	rt.mu.Unlock()
}
