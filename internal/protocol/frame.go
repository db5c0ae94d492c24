// Package protocol defines the framed messages exchanged with the remote
// endpoint and the codec that turns them into wire bytes.
package protocol

import "fmt"

// Version is the protocol version stamped on every frame.
const Version = 1

// MessageType identifies a frame kind.
type MessageType string

const (
	TypeAuthRequest  MessageType = "auth_request"
	TypeAuthResponse MessageType = "auth_response"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeStreamChunk  MessageType = "stream_chunk"
	TypeStreamEnd    MessageType = "stream_end"
	TypeCancel       MessageType = "cancel"
	TypeCancelAck    MessageType = "cancel_ack"
	TypeError        MessageType = "error"
)

// Frame is one protocol message. Fields not meaningful for a Type are left
// zero and omitted on the wire.
type Frame struct {
	Version       int         `json:"v"`
	Type          MessageType `json:"type"`
	CorrelationID uint64      `json:"cid,omitempty"`

	// request
	Model     string `json:"model,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// request, response and stream_chunk body
	Payload string `json:"payload,omitempty"`

	// stream_chunk
	Seq uint64 `json:"seq,omitempty"`

	// auth_request / auth_response
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Accepted  bool   `json:"accepted,omitempty"`

	// heartbeat / heartbeat_ack
	Nonce uint64 `json:"nonce,omitempty"`

	// error / auth_response
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Correlated reports whether frames of type t must carry a correlation id.
// Auth and heartbeat frames belong to the session, not a request. Error
// frames may go either way.
func (t MessageType) Correlated() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeStreamChunk, TypeStreamEnd, TypeCancel, TypeCancelAck:
		return true
	default:
		return false
	}
}

func (t MessageType) known() bool {
	switch t {
	case TypeAuthRequest, TypeAuthResponse, TypeHeartbeat, TypeHeartbeatAck,
		TypeRequest, TypeResponse, TypeStreamChunk, TypeStreamEnd,
		TypeCancel, TypeCancelAck, TypeError:
		return true
	default:
		return false
	}
}

// Validate checks the structural rules every frame must satisfy.
func (f Frame) Validate() error {
	if f.Version != Version {
		return fmt.Errorf("unsupported protocol version %d", f.Version)
	}
	if !f.Type.known() {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.Type.Correlated() && f.CorrelationID == 0 {
		return fmt.Errorf("%s frame without correlation id", f.Type)
	}
	if !f.Type.Correlated() && f.Type != TypeError && f.CorrelationID != 0 {
		return fmt.Errorf("%s frame must not carry a correlation id", f.Type)
	}
	if f.Type == TypeStreamChunk && f.Seq == 0 {
		return fmt.Errorf("stream_chunk frame without sequence number")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// CONSTRUCTORS
// ─────────────────────────────────────────────────────────────────────────────

func AuthRequest(token, sessionID string) Frame {
	return Frame{Version: Version, Type: TypeAuthRequest, Token: token, SessionID: sessionID}
}

func AuthResponse(accepted bool, sessionID, message string) Frame {
	return Frame{Version: Version, Type: TypeAuthResponse, Accepted: accepted, SessionID: sessionID, Message: message}
}

func Heartbeat(nonce uint64) Frame {
	return Frame{Version: Version, Type: TypeHeartbeat, Nonce: nonce}
}

func HeartbeatAck(nonce uint64) Frame {
	return Frame{Version: Version, Type: TypeHeartbeatAck, Nonce: nonce}
}

func Request(id uint64, model, payload string, streaming bool) Frame {
	return Frame{Version: Version, Type: TypeRequest, CorrelationID: id, Model: model, Payload: payload, Streaming: streaming}
}

func Response(id uint64, payload string) Frame {
	return Frame{Version: Version, Type: TypeResponse, CorrelationID: id, Payload: payload}
}

func StreamChunk(id, seq uint64, payload string) Frame {
	return Frame{Version: Version, Type: TypeStreamChunk, CorrelationID: id, Seq: seq, Payload: payload}
}

func StreamEnd(id uint64) Frame {
	return Frame{Version: Version, Type: TypeStreamEnd, CorrelationID: id}
}

func Cancel(id uint64) Frame {
	return Frame{Version: Version, Type: TypeCancel, CorrelationID: id}
}

func CancelAck(id uint64) Frame {
	return Frame{Version: Version, Type: TypeCancelAck, CorrelationID: id}
}

func Error(id uint64, code, message string) Frame {
	return Frame{Version: Version, Type: TypeError, CorrelationID: id, Code: code, Message: message}
}
