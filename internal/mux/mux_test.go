package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/protocol"
	"github.com/PolycarpusTack/papin/internal/stream"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
	ready  bool
	err    error
}

func (s *fakeSender) Send(ctx context.Context, f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSender) sent(typ protocol.MessageType) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestMux(sender *fakeSender) *Multiplexer {
	return New(sender, stream.NewAssembler(zerolog.Nop()), DefaultConfig(), zerolog.Nop())
}

func collectAll(t *testing.T, h *Handle) []outcome.Outcome {
	t.Helper()
	var got []outcome.Outcome
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o, ok := <-h.Outcomes():
			if !ok {
				return got
			}
			got = append(got, o)
		case <-timeout:
			t.Fatalf("timed out waiting for outcomes, got %d", len(got))
		}
	}
}

func terminals(outcomes []outcome.Outcome) []outcome.Outcome {
	var out []outcome.Outcome
	for _, o := range outcomes {
		if o.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

func TestCorrelationIDsIncrease(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	var last uint64
	for i := 0; i < 5; i++ {
		h, err := m.Submit(context.Background(), Request{Model: "m", Payload: "p"})
		require.NoError(t, err)
		assert.Greater(t, h.ID(), last)
		last = h.ID()
		h.Cancel()
	}

	reqs := sender.sent(protocol.TypeRequest)
	require.Len(t, reqs, 5)
	assert.Equal(t, uint64(1), reqs[0].CorrelationID)
	assert.Equal(t, "m", reqs[0].Model)
}

func TestStreamingHelloWorld(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	// Advance the counter so the streaming request gets id 7.
	for i := 0; i < 6; i++ {
		h, err := m.Submit(context.Background(), Request{Model: "m"})
		require.NoError(t, err)
		h.Cancel()
	}

	h, err := m.Submit(context.Background(), Request{Model: "m", Payload: "greet", Streaming: true})
	require.NoError(t, err)
	require.Equal(t, uint64(7), h.ID())

	m.Dispatch(protocol.StreamChunk(7, 1, "Hello"))
	m.Dispatch(protocol.StreamChunk(7, 2, " world"))
	m.Dispatch(protocol.StreamEnd(7))

	got := collectAll(t, h)
	require.Len(t, got, 3)
	assert.Equal(t, outcome.ChunkOf(1, "Hello"), got[0])
	assert.Equal(t, outcome.ChunkOf(2, " world"), got[1])
	assert.Equal(t, outcome.Done("Hello world"), got[2])
	assert.Equal(t, 0, m.Pending())
}

func TestOneShotResponse(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m", Payload: "2+2"})
	require.NoError(t, err)
	m.Dispatch(protocol.Response(h.ID(), "4"))

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4", result)
}

func TestDuplicateEndAndRacingCancelDeliverOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		sender := &fakeSender{ready: true}
		m := newTestMux(sender)

		h, err := m.Submit(context.Background(), Request{Model: "m", Streaming: true})
		require.NoError(t, err)
		m.Dispatch(protocol.StreamChunk(h.ID(), 1, "x"))

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); m.Dispatch(protocol.StreamEnd(h.ID())) }()
		go func() { defer wg.Done(); m.Dispatch(protocol.StreamEnd(h.ID())) }()
		go func() { defer wg.Done(); h.Cancel() }()
		wg.Wait()

		got := terminals(collectAll(t, h))
		require.Len(t, got, 1)
		if got[0].Kind == outcome.Complete {
			assert.Equal(t, "x", got[0].Payload)
		} else {
			assert.ErrorIs(t, got[0].Err, failure.ErrCancelled)
		}
	}
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	m.Dispatch(protocol.Response(h.ID(), "done"))

	assert.False(t, m.Cancel(h.ID()))

	got := collectAll(t, h)
	require.Len(t, got, 1)
	assert.Equal(t, outcome.Done("done"), got[0])

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.sent(protocol.TypeCancel))
}

func TestCancelSendsWireCancelWhenReady(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m", Streaming: true})
	require.NoError(t, err)
	h.Cancel()

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrCancelled)

	assert.Eventually(t, func() bool {
		return len(sender.sent(protocol.TypeCancel)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelWhileNotReadyIsLocalOnly(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	sender.mu.Lock()
	sender.ready = false
	sender.mu.Unlock()

	h.Cancel()
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrCancelled)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.sent(protocol.TypeCancel))
}

func TestSubmitFailsWhenNotConnected(t *testing.T) {
	sender := &fakeSender{err: failure.ErrNotConnected}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m", Streaming: true})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, failure.ErrNotConnected)
	assert.Equal(t, 0, m.Pending())
}

func TestGapFailsRequest(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m", Streaming: true})
	require.NoError(t, err)

	m.Dispatch(protocol.StreamChunk(h.ID(), 1, "a"))
	m.Dispatch(protocol.StreamChunk(h.ID(), 1, "a"))
	m.Dispatch(protocol.StreamChunk(h.ID(), 3, "c"))
	m.Dispatch(protocol.StreamEnd(h.ID()))

	got := collectAll(t, h)
	require.Len(t, got, 2)
	assert.Equal(t, outcome.ChunkOf(1, "a"), got[0])
	assert.ErrorIs(t, got[1].Err, failure.ErrSequenceGap)
}

func TestProviderErrorFrame(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	m.Dispatch(protocol.Error(h.ID(), "model_not_found", "no such model"))

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrProvider)
	assert.Equal(t, "no such model", err.Error())
}

func TestDeadlineSynthesizesTimeout(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	h, err := m.Submit(context.Background(), Request{
		Model:     "m",
		Streaming: true,
		Deadline:  time.Now().Add(20 * time.Millisecond),
	})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.Equal(t, 0, m.Pending())

	// A late result is dropped.
	m.Dispatch(protocol.StreamChunk(h.ID(), 1, "late"))
	m.Dispatch(protocol.StreamEnd(h.ID()))
}

func TestUnknownIDDropped(t *testing.T) {
	m := newTestMux(&fakeSender{ready: true})
	assert.NotPanics(t, func() {
		m.Dispatch(protocol.StreamChunk(999, 1, "x"))
		m.Dispatch(protocol.StreamEnd(999))
		m.Dispatch(protocol.Response(999, "x"))
		m.Dispatch(protocol.Error(999, "c", "m"))
	})
}

func TestFailAll(t *testing.T) {
	sender := &fakeSender{ready: true}
	m := newTestMux(sender)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := m.Submit(context.Background(), Request{Model: "m", Streaming: i%2 == 0})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.Equal(t, 3, m.FailAll(failure.ErrConnectionLost))
	assert.Equal(t, 0, m.Pending())

	for _, h := range handles {
		_, err := h.Wait(context.Background())
		assert.ErrorIs(t, err, failure.ErrConnectionLost)
	}
}

// stalledSender holds request writes until release is closed, the way a
// session holds them while it reconnects.
type stalledSender struct {
	fakeSender
	release chan struct{}
}

func (s *stalledSender) Send(ctx context.Context, f protocol.Frame) error {
	if f.Type == protocol.TypeRequest {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.fakeSender.Send(ctx, f)
}

func TestDeadlineWhileAwaitingSessionSkipsWrite(t *testing.T) {
	sender := &stalledSender{release: make(chan struct{})}
	m := New(sender, stream.NewAssembler(zerolog.Nop()), DefaultConfig(), zerolog.Nop())

	h, err := m.Submit(context.Background(), Request{
		Model:     "m",
		Streaming: true,
		Deadline:  time.Now().Add(20 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.Equal(t, 0, m.Pending())

	close(sender.release)
	assert.Empty(t, sender.sent(protocol.TypeRequest))
}

func TestCancelWhileAwaitingSessionSkipsWrite(t *testing.T) {
	sender := &stalledSender{release: make(chan struct{})}
	m := New(sender, stream.NewAssembler(zerolog.Nop()), DefaultConfig(), zerolog.Nop())

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := m.Submit(context.Background(), Request{Model: "m"})
		done <- result{h, err}
	}()

	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Cancel(1))

	var res result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after cancel")
	}
	require.NoError(t, res.err)
	require.NotNil(t, res.h)

	_, err := res.h.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrCancelled)

	close(sender.release)
	assert.Empty(t, sender.sent(protocol.TypeRequest))
}
