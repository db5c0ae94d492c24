package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/PolycarpusTack/papin/internal/protocol"
	"github.com/PolycarpusTack/papin/internal/transport"
)

type testClient struct {
	t     *testing.T
	ch    *transport.WebSocketChannel
	codec protocol.JSONCodec
}

func startServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return hs
}

func dial(t *testing.T, hs *httptest.Server) *testClient {
	t.Helper()
	cfg := transport.DefaultWebSocketConfig()
	cfg.Endpoint = "ws" + strings.TrimPrefix(hs.URL, "http") + SessionPath
	ch := transport.NewWebSocketChannel(cfg, zerolog.Nop())
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { ch.Close() })
	return &testClient{t: t, ch: ch}
}

func (c *testClient) send(f protocol.Frame) {
	c.t.Helper()
	data, err := c.codec.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ch.Send(context.Background(), data))
}

func (c *testClient) recv() protocol.Frame {
	c.t.Helper()
	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := c.ch.Receive()
		got <- result{data, err}
	}()
	select {
	case r := <-got:
		require.NoError(c.t, r.err)
		f, err := c.codec.Decode(r.data)
		require.NoError(c.t, err)
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatal("no frame received")
		return protocol.Frame{}
	}
}

func (c *testClient) auth(token string) protocol.Frame {
	c.t.Helper()
	c.send(protocol.AuthRequest(token, ""))
	return c.recv()
}

func TestAuthAccepted(t *testing.T) {
	hash, err := HashToken("secret", bcrypt.MinCost)
	require.NoError(t, err)
	hs := startServer(t, NewServer(NewTokenVerifier(hash), Echo{}, DefaultConfig(), zerolog.Nop()))

	c := dial(t, hs)
	resp := c.auth("secret")
	assert.Equal(t, protocol.TypeAuthResponse, resp.Type)
	assert.True(t, resp.Accepted)
	assert.NotEmpty(t, resp.SessionID)
}

func TestAuthRejected(t *testing.T) {
	hash, err := HashToken("secret", bcrypt.MinCost)
	require.NoError(t, err)
	hs := startServer(t, NewServer(NewTokenVerifier(hash), Echo{}, DefaultConfig(), zerolog.Nop()))

	c := dial(t, hs)
	resp := c.auth("wrong")
	assert.False(t, resp.Accepted)
	assert.Equal(t, "invalid_token", resp.Code)

	_, err = c.ch.Receive()
	assert.Error(t, err)
}

func TestRequestBeforeAuthCloses(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop()))
	c := dial(t, hs)

	c.send(protocol.Request(1, "m", "hi", false))
	f := c.recv()
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "not_authenticated", f.Code)
}

func TestHeartbeatAck(t *testing.T) {
	srv := NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop())
	hs := startServer(t, srv)
	c := dial(t, hs)
	c.auth("t")

	c.send(protocol.Heartbeat(42))
	ack := c.recv()
	assert.Equal(t, protocol.TypeHeartbeatAck, ack.Type)
	assert.EqualValues(t, 42, ack.Nonce)

	srv.SetHeartbeatAcks(false)
	c.send(protocol.Heartbeat(43))
	c.send(protocol.Request(5, "m", "after", false))
	f := c.recv()
	assert.Equal(t, protocol.TypeResponse, f.Type, "heartbeat must go unanswered")
}

func TestOneShotResponse(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop()))
	c := dial(t, hs)
	c.auth("t")

	c.send(protocol.Request(7, "m", "Hello world", false))
	f := c.recv()
	assert.Equal(t, protocol.TypeResponse, f.Type)
	assert.EqualValues(t, 7, f.CorrelationID)
	assert.Equal(t, "Hello world", f.Payload)
}

func TestStreamingResponse(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop()))
	c := dial(t, hs)
	c.auth("t")

	c.send(protocol.Request(7, "m", "Hello world", true))

	first := c.recv()
	second := c.recv()
	end := c.recv()

	assert.Equal(t, protocol.TypeStreamChunk, first.Type)
	assert.EqualValues(t, 1, first.Seq)
	assert.Equal(t, "Hello", first.Payload)
	assert.EqualValues(t, 2, second.Seq)
	assert.Equal(t, " world", second.Payload)
	assert.Equal(t, protocol.TypeStreamEnd, end.Type)
	assert.EqualValues(t, 7, end.CorrelationID)
}

func TestCancelAck(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, Echo{Delay: time.Second}, DefaultConfig(), zerolog.Nop()))
	c := dial(t, hs)
	c.auth("t")

	c.send(protocol.Request(9, "m", "slow answer", true))
	c.send(protocol.Cancel(9))

	f := c.recv()
	assert.Equal(t, protocol.TypeCancelAck, f.Type)
	assert.EqualValues(t, 9, f.CorrelationID)
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, string, string, func(string) error) (string, error) {
	return "", errors.New("model exploded")
}

func TestResponderErrorFrame(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, failingResponder{}, DefaultConfig(), zerolog.Nop()))
	c := dial(t, hs)
	c.auth("t")

	c.send(protocol.Request(3, "m", "x", false))
	f := c.recv()
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.EqualValues(t, 3, f.CorrelationID)
	assert.Equal(t, "provider_error", f.Code)
	assert.Contains(t, f.Message, "model exploded")
}

func TestDropConnections(t *testing.T) {
	srv := NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop())
	hs := startServer(t, srv)
	c := dial(t, hs)
	c.auth("t")

	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.DropConnections())

	_, err := c.ch.Receive()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	hs := startServer(t, NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop()))

	resp, err := http.Get(hs.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, protocol.Version, body["protocol_version"])
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"Hello", " world"}, splitWords("Hello world"))
	assert.Equal(t, []string{"a", "  b", " c", " "}, splitWords("a  b c "))
	assert.Nil(t, splitWords(""))
	assert.Equal(t, "a  b c ", strings.Join(splitWords("a  b c "), ""))
}

func TestTokenVerifier(t *testing.T) {
	hash, err := HashToken("one", bcrypt.MinCost)
	require.NoError(t, err)
	v := NewTokenVerifier("", hash)
	assert.True(t, v.Verify("one"))
	assert.False(t, v.Verify("two"))
	assert.False(t, v.Verify(""))
	assert.False(t, AllowAll.Verify(""))
}

func TestSetVerifier(t *testing.T) {
	hash, err := HashToken("rotated", bcrypt.MinCost)
	require.NoError(t, err)
	srv := NewServer(AllowAll, Echo{}, DefaultConfig(), zerolog.Nop())
	hs := startServer(t, srv)

	assert.True(t, dial(t, hs).auth("anything").Accepted)

	srv.SetVerifier(NewTokenVerifier(hash))
	assert.False(t, dial(t, hs).auth("anything").Accepted)
	assert.True(t, dial(t, hs).auth("rotated").Accepted)
}
