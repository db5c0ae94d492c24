// Package mux multiplexes concurrent one-shot and streaming requests over a
// single session, correlating responses by a per-session correlation id.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/protocol"
	"github.com/PolycarpusTack/papin/internal/stream"
)

// Sender writes frames to the session. Send may wait for the session to
// become ready; it returns a failure kind when it cannot.
type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
	Ready() bool
}

// Kind distinguishes one-shot from streaming requests.
type Kind int

const (
	OneShot Kind = iota
	Streaming
)

func (k Kind) String() string {
	if k == Streaming {
		return "streaming"
	}
	return "one-shot"
}

// Request describes a request to submit.
type Request struct {
	Model     string
	Payload   string
	Streaming bool

	// Deadline, when set, fails the request with Timeout once reached.
	Deadline time.Time
}

type pendingRequest struct {
	id        uint64
	kind      Kind
	model     string
	createdAt time.Time
	cancelled bool
	sink      *outcome.Sink
	timer     *time.Timer

	// abort stops an in-progress Submit write once the entry is removed.
	abort context.CancelFunc
}

// Config holds multiplexer settings.
type Config struct {
	// CancelTimeout bounds the best-effort cancel frame write.
	CancelTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CancelTimeout: 5 * time.Second}
}

// Multiplexer owns the pending-request table. Every entry leaves the table
// exactly once, and whoever removes it delivers its single terminal outcome.
type Multiplexer struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingRequest

	sender    Sender
	assembler *stream.Assembler
	config    Config
	logger    zerolog.Logger
}

// New creates a multiplexer writing through sender.
func New(sender Sender, assembler *stream.Assembler, config Config, logger zerolog.Logger) *Multiplexer {
	if config.CancelTimeout == 0 {
		config.CancelTimeout = DefaultConfig().CancelTimeout
	}
	return &Multiplexer{
		pending:   make(map[uint64]*pendingRequest),
		sender:    sender,
		assembler: assembler,
		config:    config,
		logger:    logger.With().Str("component", "mux").Logger(),
	}
}

// Submit registers a request and forwards it. When forwarding fails the
// entry is withdrawn and the error returned; no outcome is delivered. If the
// request reaches a terminal outcome (deadline, Cancel, FailAll) while the
// sender is still waiting for the session, the write is abandoned and the
// handle returned carries that outcome.
func (m *Multiplexer) Submit(ctx context.Context, req Request) (*Handle, error) {
	kind := OneShot
	if req.Streaming {
		kind = Streaming
	}

	sendCtx, abort := context.WithCancel(ctx)
	defer abort()

	p := &pendingRequest{
		kind:      kind,
		model:     req.Model,
		createdAt: time.Now(),
		sink:      outcome.NewSink(),
		abort:     abort,
	}

	m.mu.Lock()
	m.nextID++
	p.id = m.nextID
	m.pending[p.id] = p
	if kind == Streaming {
		m.assembler.Open(p.id, p.sink)
	}
	if !req.Deadline.IsZero() {
		id := p.id
		p.timer = time.AfterFunc(time.Until(req.Deadline), func() { m.expire(id) })
	}
	m.mu.Unlock()

	m.logger.Debug().
		Uint64("correlation_id", p.id).
		Str("model", req.Model).
		Str("kind", kind.String()).
		Msg("submitting request")

	handle := &Handle{id: p.id, kind: kind, sink: p.sink, mux: m}
	if err := m.sender.Send(sendCtx, protocol.Request(p.id, req.Model, req.Payload, req.Streaming)); err != nil {
		if m.remove(p.id) == nil {
			m.logger.Debug().Err(err).Uint64("correlation_id", p.id).Msg("request ended before it was written")
			return handle, nil
		}
		m.assembler.Release(p.id)
		p.sink.Abandon()
		return nil, err
	}

	return handle, nil
}

// Cancel withdraws the request with the given id and delivers Cancelled.
// It reports false when the request had already reached a terminal outcome.
func (m *Multiplexer) Cancel(id uint64) bool {
	p := m.remove(id)
	if p == nil {
		return false
	}
	p.cancelled = true
	m.fail(p, failure.New(failure.Cancelled, "mux.cancel", "request cancelled"))

	m.logger.Debug().Uint64("correlation_id", id).Msg("request cancelled")

	if m.sender.Ready() {
		go m.sendCancel(id)
	}
	return true
}

// Dispatch routes one inbound frame to its pending request. Frames for
// unknown ids are dropped.
func (m *Multiplexer) Dispatch(f protocol.Frame) {
	id := f.CorrelationID

	switch f.Type {
	case protocol.TypeStreamChunk:
		p := m.lookup(id)
		if p == nil {
			m.dropUnknown(f)
			return
		}
		if p.kind != Streaming {
			m.logger.Warn().Uint64("correlation_id", id).Msg("stream chunk for one-shot request dropped")
			return
		}
		res, err := m.assembler.OnChunk(id, f.Seq, f.Payload)
		if err != nil {
			if removed := m.remove(id); removed != nil {
				removed.sink.Deliver(outcome.Fail(err))
				m.logger.Warn().Err(err).Uint64("correlation_id", id).Msg("stream aborted")
				if m.sender.Ready() {
					go m.sendCancel(id)
				}
			}
			return
		}
		if res == stream.Unknown {
			m.dropUnknown(f)
		}

	case protocol.TypeStreamEnd:
		p := m.remove(id)
		if p == nil {
			m.dropUnknown(f)
			return
		}
		if p.kind == Streaming {
			if _, ok := m.assembler.OnEnd(id); ok {
				return
			}
		}
		p.sink.Deliver(outcome.Done(f.Payload))

	case protocol.TypeResponse:
		p := m.remove(id)
		if p == nil {
			m.dropUnknown(f)
			return
		}
		m.assembler.Release(id)
		p.sink.Deliver(outcome.Done(f.Payload))

	case protocol.TypeError:
		if id == 0 {
			m.logger.Warn().Str("code", f.Code).Str("message", f.Message).Msg("session-level error from endpoint")
			return
		}
		p := m.remove(id)
		if p == nil {
			m.dropUnknown(f)
			return
		}
		m.fail(p, failure.Provider(f.Code, f.Message))

	case protocol.TypeCancelAck:
		p := m.remove(id)
		if p == nil {
			return
		}
		m.fail(p, failure.New(failure.Cancelled, "mux.cancel_ack", "cancelled by endpoint"))

	default:
		m.logger.Debug().Str("type", string(f.Type)).Msg("unexpected frame for multiplexer")
	}
}

// FailAll fails every pending request with err and empties the table.
// It is the session's teardown hook.
func (m *Multiplexer) FailAll(err error) int {
	m.mu.Lock()
	victims := m.pending
	m.pending = make(map[uint64]*pendingRequest)
	m.mu.Unlock()

	for _, p := range victims {
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.abort != nil {
			p.abort()
		}
		m.fail(p, err)
	}

	if len(victims) > 0 {
		m.logger.Info().Err(err).Int("count", len(victims)).Msg("failed pending requests")
	}
	return len(victims)
}

// Pending returns the number of in-flight requests.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Multiplexer) lookup(id uint64) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id]
}

// remove takes id out of the table. Only the caller that gets a non-nil
// entry back may deliver its terminal outcome.
func (m *Multiplexer) remove(id uint64) *pendingRequest {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.abort != nil {
		p.abort()
	}
	return p
}

func (m *Multiplexer) fail(p *pendingRequest, err error) {
	if p.kind == Streaming && m.assembler.Abort(p.id, err) {
		return
	}
	p.sink.Deliver(outcome.Fail(err))
}

func (m *Multiplexer) expire(id uint64) {
	p := m.remove(id)
	if p == nil {
		return
	}
	m.fail(p, failure.New(failure.Timeout, "mux.deadline", "request deadline exceeded"))
	m.logger.Debug().Uint64("correlation_id", id).Dur("age", time.Since(p.createdAt)).Msg("request timed out")

	if m.sender.Ready() {
		go m.sendCancel(id)
	}
}

func (m *Multiplexer) sendCancel(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CancelTimeout)
	defer cancel()
	if err := m.sender.Send(ctx, protocol.Cancel(id)); err != nil {
		m.logger.Debug().Err(err).Uint64("correlation_id", id).Msg("cancel frame not sent")
	}
}

func (m *Multiplexer) dropUnknown(f protocol.Frame) {
	m.logger.Debug().
		Uint64("correlation_id", f.CorrelationID).
		Str("type", string(f.Type)).
		Msg("frame for unknown request dropped")
}
