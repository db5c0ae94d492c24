package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/PolycarpusTack/papin/internal/bus"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/router"
)

// RequestDescriptor describes one request.
type RequestDescriptor struct {
	// ModelID names the model. Empty uses the configured default.
	ModelID string

	Payload   string
	Streaming bool

	// ProviderOverride pins the request to router.Remote or router.Local
	// while that provider is Available.
	ProviderOverride router.ProviderKind

	// Deadline fails the request with Timeout once reached.
	Deadline time.Time
}

// RequestHandle is the caller's reference to a submitted request. Its
// outcome channel carries zero or more Chunk outcomes followed by exactly
// one Complete or Failed, then closes.
type RequestHandle struct {
	id          string
	model       string
	streaming   bool
	submittedAt time.Time

	routed *router.Routed
	sink   *outcome.Sink
	done   chan struct{}
}

// ID returns the request id.
func (h *RequestHandle) ID() string { return h.id }

// Model returns the requested model.
func (h *RequestHandle) Model() string { return h.model }

// Streaming reports whether the request streams.
func (h *RequestHandle) Streaming() bool { return h.streaming }

// Outcomes returns the request's outcome channel.
func (h *RequestHandle) Outcomes() <-chan outcome.Outcome { return h.sink.C() }

// Cancel cancels the request. The caller sees Cancelled unless a terminal
// outcome was already produced, in which case Cancel does nothing.
func (h *RequestHandle) Cancel() { h.routed.Cancel() }

// Wait blocks until the request ends and returns its result.
func (h *RequestHandle) Wait(ctx context.Context) (string, error) {
	return outcome.Collect(ctx, h.sink.C())
}

// Decision returns the routing decision once known.
func (h *RequestHandle) Decision() (router.Decision, bool) { return h.routed.Decision() }

// Done is closed once the terminal outcome has been produced.
func (h *RequestHandle) Done() <-chan struct{} { return h.done }

// Abandon releases the outcome channel for a caller that stops reading.
func (h *RequestHandle) Abandon() { h.sink.Abandon() }

func (h *RequestHandle) elapsed() time.Duration { return time.Since(h.submittedAt) }

// Submit routes and starts a request. sh may be nil for callers that never
// opened a session; remote requests then rely on auto-connect. Errors
// returned here (NoProviderAvailable, a failed submit with no fallback)
// mean no outcome will ever be produced.
func (e *Engine) Submit(ctx context.Context, sh *SessionHandle, desc RequestDescriptor) (*RequestHandle, error) {
	if sh != nil && sh.engine != e {
		return nil, errors.New("engine: session handle belongs to another engine")
	}

	model := desc.ModelID
	if model == "" {
		model = e.config.Router.DefaultModel
	}

	h := &RequestHandle{
		id:          uuid.NewString(),
		model:       model,
		streaming:   desc.Streaming,
		submittedAt: time.Now(),
		sink:        outcome.NewSink(),
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	rt, err := e.router.Execute(ctx, router.Request{
		ID:        h.id,
		Model:     model,
		Payload:   desc.Payload,
		Streaming: desc.Streaming,
		Override:  desc.ProviderOverride,
		Deadline:  desc.Deadline,
	})
	if err != nil {
		h.sink.Abandon()
		e.publishRejected(h, err)
		e.wg.Done()
		e.logger.Debug().Err(err).Str("request_id", h.id).Str("model", model).Msg("request not routed")
		return nil, err
	}
	h.routed = rt

	e.mu.Lock()
	e.inflight[h.id] = h
	closing := e.closed
	e.mu.Unlock()
	if closing {
		rt.Cancel()
	}

	go e.forward(h)
	return h, nil
}

// Cancel cancels h. It is the same as h.Cancel.
func (e *Engine) Cancel(h *RequestHandle) {
	if h != nil {
		h.Cancel()
	}
}

// forward relays the router's outcomes to the handle, publishing the
// decision before the first outcome and every outcome after it.
func (e *Engine) forward(h *RequestHandle) {
	defer e.wg.Done()
	defer close(h.done)
	defer e.forget(h)

	var decision router.Decision
	reported := false

	for o := range h.routed.Outcomes() {
		if !reported {
			if d, ok := h.routed.Decision(); ok {
				decision = d
				reported = true
				e.publishDecision(h, d)
			}
		}
		e.publishOutcome(h, decision, o)
		h.sink.Deliver(o)
		if o.Terminal() {
			e.logOutcome(h, decision, o)
			return
		}
	}
}

func (e *Engine) forget(h *RequestHandle) {
	e.mu.Lock()
	delete(e.inflight, h.id)
	e.mu.Unlock()
}

// publishRejected records a request that never reached a provider. A
// provider that refused the submit still had a decision made for it.
func (e *Engine) publishRejected(h *RequestHandle, err error) {
	var se *router.SubmitError
	if errors.As(err, &se) {
		e.publishDecision(h, se.Decision)
	}

	ev := bus.NewEvent(bus.EventError)
	ev.RequestID = h.id
	ev.Model = h.model
	ev.Streaming = h.streaming
	ev.Error = err.Error()
	ev.ErrorKind = string(failure.KindOf(err))
	ev.DurationMs = h.elapsed().Milliseconds()
	ev.Data = err
	e.bus.Publish(ev)
}

func (e *Engine) logOutcome(h *RequestHandle, d router.Decision, o outcome.Outcome) {
	evt := e.logger.Debug()
	if o.Kind == outcome.Failed {
		evt = e.logger.Info().Err(o.Err)
	}
	evt.Str("request_id", h.id).
		Str("provider", d.Provider.String()).
		Str("reason", string(d.Reason)).
		Bool("failover", d.Failover).
		Dur("took", h.elapsed()).
		Msg("request finished")
}
