package engine

import (
	"context"
	"errors"

	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/mux"
	"github.com/PolycarpusTack/papin/internal/protocol"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
	"github.com/PolycarpusTack/papin/internal/stream"
)

// remoteLink is one session and the multiplexer riding on it. A closed
// session is never reopened; OpenSession replaces the whole link.
type remoteLink struct {
	session *session.Session
	mux     *mux.Multiplexer
}

// newLink builds a session on the engine's channel and wires it to the
// monitor and the event bus.
func (e *Engine) newLink() *remoteLink {
	s := session.New(e.channel, protocol.JSONCodec{}, e.config.SessionSettings(), e.rootLogger)
	m := mux.New(s, stream.NewAssembler(e.rootLogger), e.config.MuxSettings(), e.rootLogger)
	s.SetDispatcher(m)
	s.OnTransportFailure(e.monitor.ReportTransportFailure)
	s.OnReady(e.monitor.ReportRecovered)
	s.OnStateChange(e.publishSessionState)
	return &remoteLink{session: s, mux: m}
}

// link returns the current remote link.
func (e *Engine) link() *remoteLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteLink
}

// renewLink swaps in a fresh link when old is the current one and its
// session has been closed.
func (e *Engine) renewLink(old *remoteLink) (*remoteLink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.remoteLink == old && old.session.State() == session.Closed {
		e.remoteLink = e.newLink()
		e.handle = nil
		e.logger.Debug().Msg("closed session replaced")
	}
	return e.remoteLink, nil
}

// remoteProvider serves routed requests over the current session through
// its multiplexer. Its health follows the session state.
type remoteProvider struct {
	link        func() *remoteLink
	autoConnect bool
}

func (p *remoteProvider) Descriptor() router.Descriptor {
	return router.Descriptor{
		Kind:         router.Remote,
		Capabilities: router.Capabilities{Streaming: true},
		Health:       remoteHealth(p.link().session.State(), p.autoConnect),
	}
}

// remoteHealth maps a session state onto provider health. A disconnected
// session that may auto-connect is Degraded rather than Unavailable.
func remoteHealth(state session.State, autoConnect bool) router.Health {
	switch state {
	case session.Ready:
		return router.Available
	case session.Degraded, session.Connecting, session.Authenticating, session.Reconnecting:
		return router.Degraded
	case session.Disconnected:
		if autoConnect {
			return router.Degraded
		}
		return router.Unavailable
	default:
		return router.Unavailable
	}
}

func (p *remoteProvider) Submit(ctx context.Context, req router.Request) (router.Exchange, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	h, err := p.link().mux.Submit(ctx, mux.Request{
		Model:     req.Model,
		Payload:   req.Payload,
		Streaming: req.Streaming,
		Deadline:  req.Deadline,
	})
	if err != nil {
		return nil, submitError(err)
	}
	return h, nil
}

// submitError turns context errors from waiting on the session into the
// failure taxonomy.
func submitError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.Timeout, "remote.submit", err)
	case errors.Is(err, context.Canceled):
		return failure.Wrap(failure.Cancelled, "remote.submit", err)
	default:
		return err
	}
}
