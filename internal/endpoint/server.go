// Package endpoint is a reference remote endpoint: it speaks the server side
// of the session protocol over WebSocket and answers requests with a
// pluggable Responder. papin serve runs it, and integration tests dial it.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/protocol"
)

const (
	// SessionPath is where clients open sessions.
	SessionPath = "/v1/session"

	// HealthPath answers liveness checks.
	HealthPath = "/health"
)

// Config holds endpoint settings.
type Config struct {
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// AuthTimeout closes connections that do not authenticate in time.
	AuthTimeout time.Duration

	// MaxMessageSize caps inbound frames.
	MaxMessageSize int64
}

// DefaultConfig returns the endpoint defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// Server accepts sessions and serves requests.
type Server struct {
	config    Config
	verifier  atomic.Value // Verifier
	responder Responder
	codec     protocol.Codec
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	ackHeartbeats atomic.Bool
	requests      atomic.Uint64

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closed  bool
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// NewServer creates a server.
func NewServer(verifier Verifier, responder Responder, config Config, logger zerolog.Logger) *Server {
	def := DefaultConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = def.AuthTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if verifier == nil {
		verifier = AllowAll
	}
	if responder == nil {
		responder = Echo{}
	}

	s := &Server{
		config:    config,
		responder: responder,
		codec:     protocol.JSONCodec{},
		logger:    logger.With().Str("component", "endpoint").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	s.verifier.Store(verifierBox{verifier})
	s.ackHeartbeats.Store(true)
	return s
}

// verifierBox keeps atomic.Value stores on one concrete type.
type verifierBox struct{ Verifier }

// SetVerifier replaces the token verifier for subsequent authentications.
// Sessions already authenticated are unaffected.
func (s *Server) SetVerifier(v Verifier) {
	if v == nil {
		v = AllowAll
	}
	s.verifier.Store(verifierBox{v})
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SessionPath, s.handleWebSocket)
	mux.HandleFunc(HealthPath, s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("endpoint listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SetHeartbeatAcks turns heartbeat acknowledgement on or off. With acks off
// the server looks unresponsive to a supervising client.
func (s *Server) SetHeartbeatAcks(on bool) {
	s.ackHeartbeats.Store(on)
}

// DropConnections closes every open connection abruptly and reports how
// many there were.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return len(conns)
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// RequestCount returns how many requests have been received.
func (s *Server) RequestCount() uint64 {
	return s.requests.Load()
}

// Close drops every connection and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		server:   s,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uint64]context.CancelFunc),
		logger:   s.logger,
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.readPump()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Requests    uint64 `json:"requests"`
		Protocol    int    `json:"protocol_version"`
	}{
		Status:      "healthy",
		Connections: s.ConnectionCount(),
		Requests:    s.RequestCount(),
		Protocol:    protocol.Version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// ─────────────────────────────────────────────────────────────────────────────
// CONNECTION
// ─────────────────────────────────────────────────────────────────────────────

type conn struct {
	server *Server
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	authed    bool
	sessionID string
	inflight  map[uint64]context.CancelFunc
}

func (c *conn) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.ws.Close()
	}()

	authTimer := time.AfterFunc(c.server.config.AuthTimeout, func() {
		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()
		if !authed {
			c.logger.Debug().Msg("auth timeout, closing connection")
			c.ws.Close()
		}
	})
	defer authTimer.Stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		f, err := c.server.codec.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame")
			c.write(protocol.Error(0, "protocol", err.Error()))
			continue
		}

		if !c.handle(f) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (c *conn) handle(f protocol.Frame) bool {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()

	if !authed {
		if f.Type != protocol.TypeAuthRequest {
			c.write(protocol.Error(0, "not_authenticated", "authenticate first"))
			return false
		}
		return c.authenticate(f)
	}

	switch f.Type {
	case protocol.TypeAuthRequest:
		return c.authenticate(f)

	case protocol.TypeHeartbeat:
		if c.server.ackHeartbeats.Load() {
			c.write(protocol.HeartbeatAck(f.Nonce))
		}

	case protocol.TypeHeartbeatAck:

	case protocol.TypeRequest:
		c.server.requests.Add(1)
		c.startRequest(f)

	case protocol.TypeCancel:
		c.mu.Lock()
		cancel, ok := c.inflight[f.CorrelationID]
		delete(c.inflight, f.CorrelationID)
		c.mu.Unlock()
		if ok {
			cancel()
		}
		c.write(protocol.CancelAck(f.CorrelationID))

	default:
		c.write(protocol.Error(f.CorrelationID, "unexpected_frame", fmt.Sprintf("unexpected %s frame", f.Type)))
	}
	return true
}

func (c *conn) authenticate(f protocol.Frame) bool {
	if !c.server.verifier.Load().(verifierBox).Verify(f.Token) {
		resp := protocol.AuthResponse(false, "", "invalid token")
		resp.Code = "invalid_token"
		c.write(resp)
		c.logger.Info().Msg("rejected session")
		return false
	}

	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.mu.Lock()
	c.authed = true
	c.sessionID = sessionID
	c.mu.Unlock()

	c.logger.Info().Str("session_id", sessionID).Msg("session authenticated")
	c.write(protocol.AuthResponse(true, sessionID, ""))
	return true
}

func (c *conn) startRequest(f protocol.Frame) {
	id := f.CorrelationID
	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	if _, dup := c.inflight[id]; dup {
		c.mu.Unlock()
		cancel()
		c.write(protocol.Error(id, "duplicate_request", "correlation id already in flight"))
		return
	}
	c.inflight[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(id, cancel)
		c.serve(ctx, f)
	}()
}

func (c *conn) finish(id uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
	cancel()
}

func (c *conn) serve(ctx context.Context, f protocol.Frame) {
	id := f.CorrelationID
	var seq uint64

	emit := func(piece string) error {
		if !f.Streaming {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		seq++
		return c.write(protocol.StreamChunk(id, seq, piece))
	}

	full, err := c.server.responder.Respond(ctx, f.Model, f.Payload, emit)
	if ctx.Err() != nil {
		// Cancelled by the client or the connection is gone.
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Uint64("cid", id).Msg("request failed")
		c.write(protocol.Error(id, "provider_error", err.Error()))
		return
	}

	if f.Streaming {
		c.write(protocol.StreamEnd(id))
		return
	}
	c.write(protocol.Response(id, full))
}

func (c *conn) write(f protocol.Frame) error {
	data, err := c.server.codec.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
