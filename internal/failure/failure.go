// Package failure defines the error taxonomy shared by every layer of the
// engine. Each failure carries a Kind so callers can branch on the class of
// error (retry, surface, fail over) without parsing messages.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	NotConnected        Kind = "NOT_CONNECTED"
	AuthRejected        Kind = "AUTH_REJECTED"
	ConnectionLost      Kind = "CONNECTION_LOST"
	SequenceGap         Kind = "SEQUENCE_GAP"
	Timeout             Kind = "TIMEOUT"
	Cancelled           Kind = "CANCELLED"
	NoProviderAvailable Kind = "NO_PROVIDER_AVAILABLE"
	ProviderError       Kind = "PROVIDER_ERROR"
	TransportError      Kind = "TRANSPORT_ERROR"
	SessionClosed       Kind = "SESSION_CLOSED"
	Protocol            Kind = "PROTOCOL"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. Sentinels only
// carry a Kind, so errors.Is(err, failure.ErrTimeout) matches any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotConnected        = &Error{Kind: NotConnected, Message: "not connected"}
	ErrAuthRejected        = &Error{Kind: AuthRejected, Message: "authentication rejected"}
	ErrConnectionLost      = &Error{Kind: ConnectionLost, Message: "connection lost"}
	ErrSequenceGap         = &Error{Kind: SequenceGap, Message: "stream sequence gap"}
	ErrTimeout             = &Error{Kind: Timeout, Message: "request timed out"}
	ErrCancelled           = &Error{Kind: Cancelled, Message: "request cancelled"}
	ErrNoProviderAvailable = &Error{Kind: NoProviderAvailable, Message: "no provider available"}
	ErrProvider            = &Error{Kind: ProviderError, Message: "provider error"}
	ErrTransport           = &Error{Kind: TransportError, Message: "transport error"}
	ErrSessionClosed       = &Error{Kind: SessionClosed, Message: "session closed"}
	ErrProtocol            = &Error{Kind: Protocol, Message: "protocol violation"}
)

// New returns a failure of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap returns a failure of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: string(kind), Err: err}
}

// Provider builds a ProviderError carrying the provider's own code.
func Provider(code, message string) *Error {
	return &Error{Kind: ProviderError, Code: code, Message: message}
}

// KindOf extracts the Kind of err. Errors outside the taxonomy report "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransport reports whether err is a transport-class failure, the only
// class eligible for failover to another provider.
func IsTransport(err error) bool {
	switch KindOf(err) {
	case TransportError, ConnectionLost, NotConnected:
		return true
	default:
		return false
	}
}

// Retryable reports whether a request failing with err may be resubmitted.
// Provider errors and explicit outcomes (cancel, auth, closed) never are.
func Retryable(err error) bool {
	return IsTransport(err)
}
