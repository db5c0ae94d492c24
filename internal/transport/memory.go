package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const memoryBuffer = 64

// MemoryListener accepts in-process connections made by MemoryChannels.
// It stands in for a remote endpoint in tests and embedded setups.
type MemoryListener struct {
	conns  chan *MemoryConn
	refuse atomic.Bool
}

// NewMemoryListener creates a listener with a small accept backlog.
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{conns: make(chan *MemoryConn, 16)}
}

// Channel returns a client channel that dials this listener.
func (l *MemoryListener) Channel() *MemoryChannel {
	return &MemoryChannel{listener: l}
}

// Accept waits for the next client connection.
func (l *MemoryListener) Accept(ctx context.Context) (*MemoryConn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refuse makes subsequent dials fail, simulating an unreachable endpoint.
func (l *MemoryListener) Refuse(refuse bool) {
	l.refuse.Store(refuse)
}

// MemoryConn is one end of an in-process duplex link.
type MemoryConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func newMemoryLink() (client, server *MemoryConn) {
	a2b := make(chan []byte, memoryBuffer)
	b2a := make(chan []byte, memoryBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &MemoryConn{in: b2a, out: a2b, done: done, once: once}
	server = &MemoryConn{in: a2b, out: b2a, done: done, once: once}
	return client, server
}

// Send queues msg for the peer, blocking while the link buffer is full.
func (c *MemoryConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message from the peer. Messages already queued
// are drained before a close is reported.
func (c *MemoryConn) Receive() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close tears the link down for both ends.
func (c *MemoryConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether the link has been torn down.
func (c *MemoryConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// MemoryChannel is the client side Channel for a MemoryListener.
type MemoryChannel struct {
	listener *MemoryListener
	mu       sync.RWMutex
	conn     *MemoryConn
}

// Connect opens a new link to the listener, closing any previous one.
func (c *MemoryChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.listener.refuse.Load() {
		return errors.New("transport: connection refused")
	}

	client, server := newMemoryLink()
	select {
	case c.listener.conns <- server:
	default:
		return errors.New("transport: listener backlog full")
	}

	c.mu.Lock()
	old := c.conn
	c.conn = client
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (c *MemoryChannel) current() *MemoryConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *MemoryChannel) Send(ctx context.Context, msg []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrClosed
	}
	return conn.Send(ctx, msg)
}

func (c *MemoryChannel) Receive() ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrClosed
	}
	return conn.Receive()
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *MemoryChannel) Alive() bool {
	conn := c.current()
	return conn != nil && !conn.Closed()
}
