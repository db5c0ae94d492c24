package session

import (
	"errors"
	"time"

	"github.com/PolycarpusTack/papin/internal/failure"
)

// State is the lifecycle phase of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Degraded
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the complete mutable state of a session. It is only ever
// replaced by Transition; readers get copies.
type Snapshot struct {
	ID               string
	State            State
	LastHeartbeatAt  time.Time
	ReconnectAttempt int
	MissedHeartbeats int

	// Epoch changes on every state change; timers scheduled in an older
	// epoch are ignored.
	Epoch uint64

	// Conn identifies the current connection attempt; results and errors
	// from older connections are ignored.
	Conn uint64
}

func (s Snapshot) enter(state State) Snapshot {
	s.State = state
	s.Epoch++
	return s
}

// InputKind tags an Input.
type InputKind int

const (
	InputOpen InputKind = iota
	InputConnected
	InputConnectFailed
	InputAuthAccepted
	InputAuthRejected
	InputAuthTimeout
	InputHeartbeatAck
	InputHeartbeatMissed
	InputTransportError
	InputGraceExpired
	InputBackoffElapsed
	InputClose
)

// Input is an event fed to the state machine by the driver, the read loop
// or a timer.
type Input struct {
	Kind      InputKind
	Epoch     uint64
	Conn      uint64
	At        time.Time
	SessionID string
	Err       error
}

// EffectKind tags an Effect.
type EffectKind int

const (
	EffectDial EffectKind = iota
	EffectSendAuth
	EffectScheduleAuthTimeout
	EffectStartHeartbeat
	EffectStopHeartbeat
	EffectScheduleGrace
	EffectScheduleBackoff
	EffectResetBackoff
	EffectCloseTransport
	EffectFailPending
	EffectForgetCredentials
)

// Effect is an action the driver performs after a transition.
type Effect struct {
	Kind  EffectKind
	Epoch uint64
	Conn  uint64
	Err   error
}

// Transition computes the next snapshot and the effects to perform for one
// input. It performs no I/O. Inputs that do not apply to the current state,
// epoch or connection return the snapshot unchanged and no effects.
func Transition(s Snapshot, in Input, cfg Config) (Snapshot, []Effect) {
	if s.State == Closed {
		return s, nil
	}

	switch in.Kind {
	case InputClose:
		next := s.enter(Closed)
		return next, []Effect{
			{Kind: EffectStopHeartbeat},
			{Kind: EffectCloseTransport},
			{Kind: EffectFailPending, Err: failure.New(failure.SessionClosed, "session", "session closed")},
		}

	case InputOpen:
		if s.State != Disconnected {
			return s, nil
		}
		next := s.enter(Connecting)
		if next.ID == "" {
			next.ID = in.SessionID
		}
		next.ReconnectAttempt = 0
		next.Conn++
		return next, []Effect{{Kind: EffectDial, Conn: next.Conn}}

	case InputConnected:
		if s.State != Connecting || in.Conn != s.Conn {
			return s, nil
		}
		next := s.enter(Authenticating)
		return next, []Effect{
			{Kind: EffectSendAuth, Conn: next.Conn},
			{Kind: EffectScheduleAuthTimeout, Epoch: next.Epoch},
		}

	case InputConnectFailed:
		if s.State != Connecting || in.Conn != s.Conn {
			return s, nil
		}
		return s.reconnect(cfg, in.Err)

	case InputAuthAccepted:
		if s.State != Authenticating || in.Conn != s.Conn {
			return s, nil
		}
		next := s.enter(Ready)
		next.ReconnectAttempt = 0
		next.MissedHeartbeats = 0
		next.LastHeartbeatAt = in.At
		return next, []Effect{
			{Kind: EffectResetBackoff},
			{Kind: EffectStartHeartbeat, Conn: next.Conn},
		}

	case InputAuthRejected:
		if s.State != Authenticating || in.Conn != s.Conn {
			return s, nil
		}
		next := s.enter(Disconnected)
		next.ID = ""
		next.ReconnectAttempt = 0
		return next, []Effect{
			{Kind: EffectCloseTransport},
			{Kind: EffectFailPending, Err: authError(in.Err)},
			{Kind: EffectForgetCredentials},
		}

	case InputAuthTimeout:
		if s.State != Authenticating || in.Epoch != s.Epoch {
			return s, nil
		}
		return s.reconnect(cfg, errors.New("authentication timed out"))

	case InputHeartbeatAck:
		if in.Conn != s.Conn {
			return s, nil
		}
		switch s.State {
		case Ready:
			s.MissedHeartbeats = 0
			s.LastHeartbeatAt = in.At
			return s, nil
		case Degraded:
			next := s.enter(Ready)
			next.MissedHeartbeats = 0
			next.LastHeartbeatAt = in.At
			return next, nil
		}
		return s, nil

	case InputHeartbeatMissed:
		if s.State != Ready || in.Conn != s.Conn {
			return s, nil
		}
		s.MissedHeartbeats++
		if s.MissedHeartbeats < cfg.MissedHeartbeats {
			return s, nil
		}
		next := s.enter(Degraded)
		return next, []Effect{{Kind: EffectScheduleGrace, Epoch: next.Epoch}}

	case InputTransportError:
		if in.Conn != s.Conn {
			return s, nil
		}
		switch s.State {
		case Ready:
			next := s.enter(Degraded)
			return next, []Effect{{Kind: EffectScheduleGrace, Epoch: next.Epoch}}
		case Authenticating:
			return s.reconnect(cfg, in.Err)
		}
		return s, nil

	case InputGraceExpired:
		if s.State != Degraded || in.Epoch != s.Epoch {
			return s, nil
		}
		return s.reconnect(cfg, errors.New("connection did not recover within grace window"))

	case InputBackoffElapsed:
		if s.State != Reconnecting || in.Epoch != s.Epoch {
			return s, nil
		}
		next := s.enter(Connecting)
		next.Conn++
		return next, []Effect{{Kind: EffectDial, Conn: next.Conn}}
	}

	return s, nil
}

// reconnect tears the connection down, fails everything in flight and
// schedules the next attempt, or gives up once the attempt budget is spent.
func (s Snapshot) reconnect(cfg Config, cause error) (Snapshot, []Effect) {
	next := s
	next.ReconnectAttempt++
	next.MissedHeartbeats = 0

	if cfg.MaxReconnectAttempts > 0 && next.ReconnectAttempt > cfg.MaxReconnectAttempts {
		next = next.enter(Disconnected)
		next.ReconnectAttempt = 0
		return next, []Effect{
			{Kind: EffectStopHeartbeat},
			{Kind: EffectCloseTransport},
			{Kind: EffectFailPending, Err: failure.Wrap(failure.NotConnected, "session", cause)},
		}
	}

	next = next.enter(Reconnecting)
	return next, []Effect{
		{Kind: EffectStopHeartbeat},
		{Kind: EffectCloseTransport},
		{Kind: EffectFailPending, Err: failure.Wrap(failure.ConnectionLost, "session", cause)},
		{Kind: EffectScheduleBackoff, Epoch: next.Epoch},
	}
}

func authError(cause error) error {
	var fe *failure.Error
	if errors.As(cause, &fe) && fe.Kind == failure.AuthRejected {
		return fe
	}
	if cause != nil {
		return failure.Wrap(failure.AuthRejected, "session.auth", cause)
	}
	return failure.New(failure.AuthRejected, "session.auth", "authentication rejected")
}
