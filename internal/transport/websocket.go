package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConfig holds settings for the WebSocket channel.
type WebSocketConfig struct {
	// Endpoint is the ws:// or wss:// URL of the remote endpoint.
	Endpoint string

	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single write when the caller's context has no deadline.
	WriteTimeout time.Duration

	// MaxMessageSize caps inbound message size (0 = unlimited).
	MaxMessageSize int64

	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultWebSocketConfig returns production defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Endpoint:         "ws://127.0.0.1:8790/v1/session",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   16 << 20,
	}
}

// WebSocketChannel is a Channel over a gorilla/websocket connection.
type WebSocketChannel struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	config  WebSocketConfig
	conn    *websocket.Conn
	logger  zerolog.Logger
}

// NewWebSocketChannel creates an unconnected channel.
func NewWebSocketChannel(config WebSocketConfig, logger zerolog.Logger) *WebSocketChannel {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &WebSocketChannel{
		config: config,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Connect dials the endpoint, replacing any existing connection.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	c.logger.Debug().Str("endpoint", c.config.Endpoint).Msg("dialing remote endpoint")

	conn, resp, err := dialer.DialContext(ctx, c.config.Endpoint, c.config.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport: dial %s: %w (status %d)", c.config.Endpoint, err, resp.StatusCode)
		}
		return fmt.Errorf("transport: dial %s: %w", c.config.Endpoint, err)
	}
	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	c.logger.Info().Str("endpoint", c.config.Endpoint).Msg("transport connected")
	return nil
}

// Send writes one text message. Writes are serialized because gorilla
// connections support a single concurrent writer.
func (c *WebSocketChannel) Send(ctx context.Context, msg []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive blocks for the next message on the current connection.
func (c *WebSocketChannel) Receive() ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrClosed
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the connection down.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Alive reports whether a connection is currently held.
func (c *WebSocketChannel) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}
