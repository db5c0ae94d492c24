// Package transport provides the duplex message channel the session runs on.
//
// A Channel moves opaque message bodies. Framing and encoding belong to the
// protocol package; reconnection policy belongs to the session.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once the channel is closed or
// the underlying connection has dropped.
var ErrClosed = errors.New("transport: channel closed")

// Channel is a reconnectable, ordered, bidirectional message channel.
//
// Connect establishes a fresh connection, discarding any previous one.
// Send may be called concurrently with Receive; concurrent Sends are
// serialized. Receive blocks until a message arrives or the connection ends;
// Close unblocks it.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg []byte) error
	Receive() ([]byte, error)
	Close() error
	Alive() bool
}
