// Package bus distributes engine events (stream chunks, completions, errors,
// connectivity changes, routing decisions and session state) to observers.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of engine event.
type EventType string

const (
	// Request outcome events
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"

	// Routing
	EventRoutingDecision EventType = "routing_decision"

	// Link health
	EventConnectivity EventType = "connectivity"
	EventSessionState EventType = "session_state"
)

// Event is one engine event. Fields not relevant to the Type are empty.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request tracking
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Content
	Seq     uint64 `json:"seq,omitempty"`
	Content string `json:"content,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Routing context
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Failover bool   `json:"failover,omitempty"`

	// Performance
	DurationMs int64 `json:"duration_ms,omitempty"`
	Streaming  bool  `json:"streaming,omitempty"`

	// State changes (connectivity, session)
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Cause string `json:"cause,omitempty"`

	// Data carries the typed value the event was built from.
	Data any `json:"-"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
