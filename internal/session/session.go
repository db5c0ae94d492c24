// Package session keeps one authenticated, heartbeat-supervised connection
// to the remote endpoint alive across transport failures.
//
// All state changes go through Transition, driven by a single loop
// goroutine. Dials, auth writes, heartbeats and timers run elsewhere and
// report back by posting inputs to that loop.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/credentials"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/protocol"
	"github.com/PolycarpusTack/papin/internal/transport"
)

// Config holds session supervision settings.
type Config struct {
	// HeartbeatInterval is the time between heartbeats while Ready or Degraded.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for an ack before counting a miss.
	HeartbeatTimeout time.Duration

	// MissedHeartbeats is the number of consecutive misses that degrade the session.
	MissedHeartbeats int

	// GraceWindow is how long a degraded session may recover before reconnecting.
	GraceWindow time.Duration

	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration

	// AuthTimeout bounds the wait for an auth response.
	AuthTimeout time.Duration

	// MaxReconnectAttempts gives up after this many consecutive failures (0 = unlimited).
	MaxReconnectAttempts int

	// AutoConnect lets a request submitted while disconnected open the session.
	AutoConnect bool

	Backoff BackoffConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    15 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		MissedHeartbeats:     2,
		GraceWindow:          10 * time.Second,
		DialTimeout:          10 * time.Second,
		AuthTimeout:          10 * time.Second,
		MaxReconnectAttempts: 0,
		AutoConnect:          true,
		Backoff:              DefaultBackoffConfig(),
	}
}

// Dispatcher receives request-scoped frames and teardown notifications.
type Dispatcher interface {
	Dispatch(f protocol.Frame)
	FailAll(err error) int
}

// Change describes one state transition.
type Change struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	Attempt   int
}

// Session supervises the connection. It is the only writer to its channel.
type Session struct {
	config  Config
	channel transport.Channel
	codec   protocol.Codec
	logger  zerolog.Logger
	backoff *Backoff

	mu          sync.RWMutex
	snap        Snapshot
	changed     chan struct{}
	teardowns   uint64
	teardownErr error
	creds       credentials.Credentials
	dispatcher  Dispatcher
	observers   []func(Change)
	onFailure   func(error)
	onReady     func()

	inputs   chan Input
	loopDone chan struct{}

	heartbeat atomic.Pointer[heartbeat]
}

// New creates a disconnected session over channel and starts its loop.
func New(channel transport.Channel, codec protocol.Codec, config Config, logger zerolog.Logger) *Session {
	if config.MissedHeartbeats <= 0 {
		config.MissedHeartbeats = 2
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = config.HeartbeatInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = DefaultConfig().AuthTimeout
	}

	s := &Session{
		config:   config,
		channel:  channel,
		codec:    codec,
		logger:   logger.With().Str("component", "session").Logger(),
		backoff:  NewBackoff(config.Backoff),
		changed:  make(chan struct{}),
		inputs:   make(chan Input, 64),
		loopDone: make(chan struct{}),
	}
	go s.run()
	return s
}

// SetDispatcher installs the receiver of request frames. Call before Open.
func (s *Session) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// OnStateChange registers fn to be called, on the session loop, after every
// state change. fn must not block.
func (s *Session) OnStateChange(fn func(Change)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// OnTransportFailure registers fn to be called when a dial, read or write
// fails. fn must not block.
func (s *Session) OnTransportFailure(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// OnReady registers fn to be called each time the session becomes Ready.
func (s *Session) OnReady(fn func()) {
	s.mu.Lock()
	s.onReady = fn
	s.mu.Unlock()
}

// Open stores creds, starts connecting and waits until the session is
// Ready, rejected, given up or ctx ends. A context error leaves the session
// trying in the background.
func (s *Session) Open(ctx context.Context, creds credentials.Credentials) error {
	if creds.Empty() {
		return failure.New(failure.AuthRejected, "session.open", "missing credentials")
	}

	s.mu.Lock()
	if s.snap.State == Closed {
		s.mu.Unlock()
		return failure.ErrSessionClosed
	}
	s.creds = creds
	start := s.teardowns
	s.mu.Unlock()

	s.post(Input{Kind: InputOpen, SessionID: uuid.NewString()})

	for {
		s.mu.RLock()
		state := s.snap.State
		changed := s.changed
		teardowns := s.teardowns
		lastErr := s.teardownErr
		s.mu.RUnlock()

		switch {
		case state == Ready || state == Degraded:
			return nil
		case state == Closed:
			return failure.ErrSessionClosed
		case state == Disconnected && teardowns != start:
			return lastErr
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send encodes and writes f. Request frames wait for the session to become
// ready, opening it first when auto-connect is on; they fail with the
// teardown error if the connection is lost while waiting. Other frames are
// written only when the session is ready.
func (s *Session) Send(ctx context.Context, f protocol.Frame) error {
	if f.Type == protocol.TypeRequest {
		if err := s.awaitReady(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	} else if st := s.State(); st != Ready && st != Degraded {
		return failure.New(failure.NotConnected, "session.send", "session is "+st.String())
	}

	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	return s.write(ctx, data)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	if err := s.channel.Send(ctx, data); err != nil {
		s.mu.RLock()
		conn := s.snap.Conn
		s.mu.RUnlock()
		s.reportFailure(err)
		s.post(Input{Kind: InputTransportError, Conn: conn, Err: err})
		return failure.Wrap(failure.TransportError, "session.send", err)
	}
	return nil
}

func (s *Session) awaitReady(ctx context.Context) error {
	s.mu.RLock()
	start := s.teardowns
	s.mu.RUnlock()
	opened := false

	for {
		s.mu.RLock()
		state := s.snap.State
		changed := s.changed
		teardowns := s.teardowns
		lastErr := s.teardownErr
		hasCreds := !s.creds.Empty()
		s.mu.RUnlock()

		if teardowns != start {
			return lastErr
		}

		switch state {
		case Ready, Degraded:
			return nil
		case Closed:
			return failure.ErrSessionClosed
		case Disconnected:
			if !s.config.AutoConnect || !hasCreds {
				return failure.New(failure.NotConnected, "session.send", "session is disconnected")
			}
			if !opened {
				opened = true
				s.post(Input{Kind: InputOpen, SessionID: uuid.NewString()})
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close moves the session to Closed, failing all pending requests with
// SessionClosed. It is safe to call more than once.
func (s *Session) Close() error {
	s.post(Input{Kind: InputClose})
	<-s.loopDone
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

// Ready reports whether the session is Ready.
func (s *Session) Ready() bool {
	return s.State() == Ready
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ID returns the session id, empty before the first connect.
func (s *Session) ID() string {
	return s.Snapshot().ID
}

func (s *Session) post(in Input) {
	if in.At.IsZero() {
		in.At = time.Now()
	}
	select {
	case s.inputs <- in:
	case <-s.loopDone:
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// LOOP
// ─────────────────────────────────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.loopDone)
	for in := range s.inputs {
		s.step(in)
		if s.State() == Closed {
			return
		}
	}
}

func (s *Session) step(in Input) {
	s.mu.Lock()
	prev := s.snap
	next, effects := Transition(prev, in, s.config)
	s.snap = next
	for _, e := range effects {
		if e.Kind == EffectFailPending {
			s.teardowns++
			s.teardownErr = e.Err
		}
	}
	changed := prev.State != next.State
	if changed {
		close(s.changed)
		s.changed = make(chan struct{})
	}
	observers := s.observers
	onReady := s.onReady
	s.mu.Unlock()

	if changed {
		s.logger.Info().
			Str("session_id", next.ID).
			Str("from", prev.State.String()).
			Str("to", next.State.String()).
			Int("attempt", next.ReconnectAttempt).
			Msg("session state changed")

		change := Change{SessionID: next.ID, From: prev.State, To: next.State, At: in.At, Attempt: next.ReconnectAttempt}
		for _, fn := range observers {
			fn(change)
		}
		if next.State == Ready && onReady != nil {
			onReady()
		}
	}

	for _, e := range effects {
		s.apply(e, next)
	}
}

func (s *Session) apply(e Effect, snap Snapshot) {
	switch e.Kind {
	case EffectDial:
		go s.dial(e.Conn)

	case EffectSendAuth:
		s.mu.RLock()
		token := s.creds.Token
		s.mu.RUnlock()
		go s.sendAuth(e.Conn, token, snap.ID)

	case EffectScheduleAuthTimeout:
		epoch := e.Epoch
		time.AfterFunc(s.config.AuthTimeout, func() {
			s.post(Input{Kind: InputAuthTimeout, Epoch: epoch})
		})

	case EffectStartHeartbeat:
		s.startHeartbeat(e.Conn)

	case EffectStopHeartbeat:
		s.stopHeartbeat()

	case EffectScheduleGrace:
		epoch := e.Epoch
		time.AfterFunc(s.config.GraceWindow, func() {
			s.post(Input{Kind: InputGraceExpired, Epoch: epoch})
		})

	case EffectScheduleBackoff:
		delay := s.backoff.Next()
		s.logger.Info().
			Int("attempt", snap.ReconnectAttempt).
			Dur("delay", delay).
			Msg("scheduling reconnect")
		epoch := e.Epoch
		time.AfterFunc(delay, func() {
			s.post(Input{Kind: InputBackoffElapsed, Epoch: epoch})
		})

	case EffectResetBackoff:
		s.backoff.Reset()

	case EffectCloseTransport:
		s.channel.Close()

	case EffectFailPending:
		s.mu.RLock()
		d := s.dispatcher
		s.mu.RUnlock()
		if d != nil {
			d.FailAll(e.Err)
		}

	case EffectForgetCredentials:
		s.mu.Lock()
		s.creds = credentials.Credentials{}
		s.mu.Unlock()
		s.logger.Warn().Msg("credentials rejected, new credentials required")
	}
}

func (s *Session) dial(conn uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Uint64("conn", conn).Msg("connect failed")
		s.reportFailure(err)
		s.post(Input{Kind: InputConnectFailed, Conn: conn, Err: err})
		return
	}

	// Close may have run while Connect was blocked; its transport close then
	// missed this connection.
	s.mu.RLock()
	stale := s.snap.State == Closed || s.snap.Conn != conn
	s.mu.RUnlock()
	if stale {
		s.logger.Debug().Uint64("conn", conn).Msg("dropping connection established after close")
		s.channel.Close()
		return
	}

	go s.readLoop(conn)
	s.post(Input{Kind: InputConnected, Conn: conn})
}

func (s *Session) sendAuth(conn uint64, token, sessionID string) {
	data, err := s.codec.Encode(protocol.AuthRequest(token, sessionID))
	if err != nil {
		s.post(Input{Kind: InputTransportError, Conn: conn, Err: err})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	defer cancel()
	if err := s.channel.Send(ctx, data); err != nil {
		s.reportFailure(err)
		s.post(Input{Kind: InputTransportError, Conn: conn, Err: err})
	}
}

// readLoop owns inbound traffic for one connection.
func (s *Session) readLoop(conn uint64) {
	for {
		if snap := s.Snapshot(); snap.Conn != conn || snap.State == Closed {
			return
		}

		data, err := s.channel.Receive()
		if err != nil {
			if s.Snapshot().Conn == conn && s.State() != Closed {
				s.logger.Warn().Err(err).Uint64("conn", conn).Msg("transport read failed")
				s.reportFailure(err)
			}
			s.post(Input{Kind: InputTransportError, Conn: conn, Err: err})
			return
		}

		f, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}

		switch f.Type {
		case protocol.TypeAuthResponse:
			if f.Accepted {
				s.post(Input{Kind: InputAuthAccepted, Conn: conn, SessionID: f.SessionID})
			} else {
				s.post(Input{Kind: InputAuthRejected, Conn: conn, Err: &failure.Error{
					Kind:    failure.AuthRejected,
					Op:      "session.auth",
					Code:    f.Code,
					Message: nonEmpty(f.Message, "authentication rejected"),
				}})
			}

		case protocol.TypeHeartbeatAck:
			if hb := s.heartbeat.Load(); hb != nil {
				hb.ack(f.Nonce)
			}
			s.post(Input{Kind: InputHeartbeatAck, Conn: conn})

		case protocol.TypeHeartbeat:
			if data, err := s.codec.Encode(protocol.HeartbeatAck(f.Nonce)); err == nil {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.HeartbeatTimeout)
				s.channel.Send(ctx, data)
				cancel()
			}

		default:
			s.mu.RLock()
			d := s.dispatcher
			s.mu.RUnlock()
			if d != nil {
				d.Dispatch(f)
			}
		}
	}
}

func (s *Session) reportFailure(err error) {
	s.mu.RLock()
	fn := s.onFailure
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
