package engine

import (
	"errors"

	"github.com/PolycarpusTack/papin/internal/bus"
	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
)

// Subscription identifies an event observer registered with On*.
type Subscription = bus.SubscriptionID

// Chunk is one streamed piece of a request's answer.
type Chunk struct {
	RequestID string
	Seq       uint64
	Text      string
}

// Completion is a request's final answer.
type Completion struct {
	RequestID string
	Result    string
	Decision  router.Decision
	Duration  int64 // milliseconds
}

// Failure is a request's terminal error.
type Failure struct {
	RequestID string
	Err       error
	Kind      failure.Kind
}

// Observers run on their own goroutine per subscription and must not block
// for long; a slow observer loses events rather than stalling requests. The
// per-request outcome channel is the authoritative record.

// OnChunk observes streamed chunks of every request.
func (e *Engine) OnChunk(fn func(Chunk)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventChunk, func(ev bus.Event) {
		fn(Chunk{RequestID: ev.RequestID, Seq: ev.Seq, Text: ev.Content})
	})
}

// OnComplete observes completed requests.
func (e *Engine) OnComplete(fn func(Completion)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventComplete, func(ev bus.Event) {
		c := Completion{RequestID: ev.RequestID, Result: ev.Content, Duration: ev.DurationMs}
		if d, ok := ev.Data.(router.Decision); ok {
			c.Decision = d
		}
		fn(c)
	})
}

// OnError observes failed requests.
func (e *Engine) OnError(fn func(Failure)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventError, func(ev bus.Event) {
		f := Failure{RequestID: ev.RequestID, Kind: failure.Kind(ev.ErrorKind)}
		if err, ok := ev.Data.(error); ok {
			f.Err = err
		} else {
			f.Err = errors.New(ev.Error)
		}
		fn(f)
	})
}

// OnConnectivityChange observes connectivity transitions.
func (e *Engine) OnConnectivityChange(fn func(connectivity.Transition)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventConnectivity, func(ev bus.Event) {
		if t, ok := ev.Data.(connectivity.Transition); ok {
			fn(t)
		}
	})
}

// OnRoutingDecision observes the single routing decision of every request.
func (e *Engine) OnRoutingDecision(fn func(router.Decision)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventRoutingDecision, func(ev bus.Event) {
		if d, ok := ev.Data.(router.Decision); ok {
			fn(d)
		}
	})
}

// OnSessionState observes session state changes.
func (e *Engine) OnSessionState(fn func(session.Change)) (Subscription, error) {
	return e.bus.Subscribe(bus.EventSessionState, func(ev bus.Event) {
		if c, ok := ev.Data.(session.Change); ok {
			fn(c)
		}
	})
}

// Unsubscribe removes an observer.
func (e *Engine) Unsubscribe(sub Subscription) error {
	return e.bus.Unsubscribe(sub)
}

// ─────────────────────────────────────────────────────────────────────────────
// Publishing
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) publishSessionState(c session.Change) {
	ev := bus.NewEvent(bus.EventSessionState)
	ev.SessionID = c.SessionID
	ev.From = c.From.String()
	ev.To = c.To.String()
	ev.Data = c
	e.bus.Publish(ev)
}

func (e *Engine) publishConnectivity(t connectivity.Transition) {
	ev := bus.NewEvent(bus.EventConnectivity)
	ev.From = t.From.String()
	ev.To = t.To.String()
	ev.Cause = t.Cause
	ev.Data = t
	e.bus.Publish(ev)
}

func (e *Engine) publishDecision(h *RequestHandle, d router.Decision) {
	ev := bus.NewEvent(bus.EventRoutingDecision)
	ev.RequestID = h.id
	ev.SessionID = e.link().session.ID()
	ev.Model = d.Model
	ev.Provider = d.Provider.String()
	ev.Reason = string(d.Reason)
	ev.Failover = d.Failover
	ev.Cause = d.FailoverCause
	ev.Streaming = h.streaming
	ev.Data = d
	e.bus.Publish(ev)
}

// publishOutcome mirrors one outcome onto the bus. Terminal events carry the
// routing context so observers need no correlation.
func (e *Engine) publishOutcome(h *RequestHandle, d router.Decision, o outcome.Outcome) {
	var ev bus.Event
	switch o.Kind {
	case outcome.Chunk:
		ev = bus.NewEvent(bus.EventChunk)
		ev.Seq = o.Seq
		ev.Content = o.Payload
	case outcome.Complete:
		ev = bus.NewEvent(bus.EventComplete)
		ev.Content = o.Payload
		ev.Data = d
	case outcome.Failed:
		ev = bus.NewEvent(bus.EventError)
		if o.Err != nil {
			ev.Error = o.Err.Error()
			ev.ErrorKind = string(failure.KindOf(o.Err))
		}
		ev.Data = o.Err
	default:
		return
	}

	ev.RequestID = h.id
	ev.SessionID = e.link().session.ID()
	ev.Model = h.model
	ev.Streaming = h.streaming
	if d.Provider != "" {
		ev.Provider = d.Provider.String()
		ev.Reason = string(d.Reason)
		ev.Failover = d.Failover
	}
	if o.Terminal() {
		ev.DurationMs = h.elapsed().Milliseconds()
	}
	e.bus.Publish(ev)
}
