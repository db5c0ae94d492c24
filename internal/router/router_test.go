package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
)

// ─────────────────────────────────────────────────────────────────────────────
// FAKES
// ─────────────────────────────────────────────────────────────────────────────

type fakeExchange struct {
	ch        chan outcome.Outcome
	cancelled atomic.Bool
}

func newFakeExchange(outs ...outcome.Outcome) *fakeExchange {
	ex := &fakeExchange{ch: make(chan outcome.Outcome, len(outs)+1)}
	for _, o := range outs {
		ex.ch <- o
	}
	close(ex.ch)
	return ex
}

func (e *fakeExchange) Outcomes() <-chan outcome.Outcome { return e.ch }
func (e *fakeExchange) Cancel()                          { e.cancelled.Store(true) }

type fakeProvider struct {
	desc      Descriptor
	submitErr error
	outcomes  []outcome.Outcome
	submits   atomic.Int32
}

func (p *fakeProvider) Descriptor() Descriptor { return p.desc }

func (p *fakeProvider) Submit(ctx context.Context, req Request) (Exchange, error) {
	p.submits.Add(1)
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	return newFakeExchange(p.outcomes...), nil
}

type staticConn connectivity.State

func (s staticConn) Current() connectivity.Snapshot {
	return connectivity.Snapshot{State: connectivity.State(s), LastTransitionAt: time.Now()}
}

type recorder struct {
	mu        sync.Mutex
	decisions []Decision
}

func (r *recorder) ReportDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recorder) all() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

func remoteProvider(outs ...outcome.Outcome) *fakeProvider {
	return &fakeProvider{
		desc:     Descriptor{Kind: Remote, Capabilities: Capabilities{Streaming: true}, Health: Available},
		outcomes: outs,
	}
}

func localProvider(models []string, outs ...outcome.Outcome) *fakeProvider {
	return &fakeProvider{
		desc:     Descriptor{Kind: Local, Capabilities: Capabilities{Streaming: true, Models: models}, Health: Available},
		outcomes: outs,
	}
}

func newTestRouter(t *testing.T, remote, local Provider, state connectivity.State, rec *recorder) *Router {
	t.Helper()
	opts := []Option{}
	if rec != nil {
		opts = append(opts, WithReporter(rec))
	}
	r := New(remote, local, staticConn(state), DefaultConfig(), zerolog.Nop(), opts...)
	t.Cleanup(r.Close)
	return r
}

func collect(t *testing.T, rt *Routed) []outcome.Outcome {
	t.Helper()
	var outs []outcome.Outcome
	timeout := time.After(2 * time.Second)
	for {
		select {
		case o, ok := <-rt.Outcomes():
			if !ok {
				return outs
			}
			outs = append(outs, o)
		case <-timeout:
			t.Fatal("outcomes did not terminate")
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ROUTE
// ─────────────────────────────────────────────────────────────────────────────

func TestRouteDefaultsToRemote(t *testing.T) {
	r := newTestRouter(t, remoteProvider(), localProvider(nil), connectivity.Online, nil)
	d, p, err := r.Route(Request{ID: "1", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, Remote, d.Provider)
	assert.Equal(t, ReasonDefaultRemote, d.Reason)
	assert.Equal(t, Remote, p.Descriptor().Kind)
}

func TestRouteOfflineUsesCapableLocal(t *testing.T) {
	r := newTestRouter(t, remoteProvider(), localProvider([]string{"llama3"}), connectivity.Offline, nil)
	d, p, err := r.Route(Request{ID: "2", Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, Local, d.Provider)
	assert.Equal(t, ReasonOfflineFallback, d.Reason)
	assert.Equal(t, connectivity.Offline, d.Connectivity)
	assert.Equal(t, Local, p.Descriptor().Kind)
}

func TestRouteOfflineWithoutModelFails(t *testing.T) {
	r := newTestRouter(t, remoteProvider(), localProvider([]string{"llama3"}), connectivity.Offline, nil)
	_, _, err := r.Route(Request{ID: "2", Model: "gpt-big"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNoProviderAvailable)
}

func TestRouteRemoteUnavailable(t *testing.T) {
	remote := remoteProvider()
	remote.desc.Health = Unavailable
	r := newTestRouter(t, remote, localProvider(nil), connectivity.Online, nil)

	d, _, err := r.Route(Request{ID: "3", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, Local, d.Provider)
	assert.Equal(t, ReasonRemoteUnavailable, d.Reason)
}

func TestRouteNoProvider(t *testing.T) {
	remote := remoteProvider()
	remote.desc.Health = Unavailable
	r := newTestRouter(t, remote, nil, connectivity.Online, nil)

	_, _, err := r.Route(Request{ID: "4", Model: "m"})
	assert.ErrorIs(t, err, failure.ErrNoProviderAvailable)
}

func TestRouteOverride(t *testing.T) {
	r := newTestRouter(t, remoteProvider(), localProvider(nil), connectivity.Online, nil)
	d, _, err := r.Route(Request{ID: "5", Model: "m", Override: Local})
	require.NoError(t, err)
	assert.Equal(t, Local, d.Provider)
	assert.Equal(t, ReasonOverride, d.Reason)

	// Unavailable override falls through to normal routing.
	local := localProvider(nil)
	local.desc.Health = Degraded
	r = newTestRouter(t, remoteProvider(), local, connectivity.Online, nil)
	d, _, err = r.Route(Request{ID: "6", Model: "m", Override: Local})
	require.NoError(t, err)
	assert.Equal(t, Remote, d.Provider)
	assert.Equal(t, ReasonDefaultRemote, d.Reason)
}

func TestCapabilitiesSupports(t *testing.T) {
	c := Capabilities{Streaming: false, Models: []string{"llama3:latest"}}
	assert.True(t, c.Supports("llama3", false))
	assert.True(t, c.Supports("llama3:latest", false))
	assert.False(t, c.Supports("llama3", true))
	assert.False(t, c.Supports("mistral", false))
	assert.True(t, Capabilities{}.Supports("anything", false))
}

// ─────────────────────────────────────────────────────────────────────────────
// EXECUTE
// ─────────────────────────────────────────────────────────────────────────────

func TestExecuteRelaysRemote(t *testing.T) {
	rec := &recorder{}
	r := newTestRouter(t, remoteProvider(
		outcome.ChunkOf(0, "Hello"),
		outcome.ChunkOf(1, " world"),
		outcome.Done("Hello world"),
	), localProvider(nil), connectivity.Online, rec)

	rt, err := r.Execute(context.Background(), Request{ID: "7", Model: "m", Streaming: true})
	require.NoError(t, err)

	outs := collect(t, rt)
	require.Len(t, outs, 3)
	assert.Equal(t, "Hello world", outs[2].Payload)

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	d := rec.all()[0]
	assert.Equal(t, Remote, d.Provider)
	assert.False(t, d.Failover)
}

func TestExecuteFailsOverOnTransportFailure(t *testing.T) {
	rec := &recorder{}
	remote := remoteProvider(outcome.Fail(failure.Wrap(failure.TransportError, "session.send", assert.AnError)))
	local := localProvider(nil, outcome.Done("from local"))
	r := newTestRouter(t, remote, local, connectivity.Online, rec)

	rt, err := r.Execute(context.Background(), Request{ID: "3", Model: "m"})
	require.NoError(t, err)

	outs := collect(t, rt)
	require.Len(t, outs, 1)
	assert.Equal(t, outcome.Complete, outs[0].Kind)
	assert.Equal(t, "from local", outs[0].Payload)
	assert.EqualValues(t, 1, local.submits.Load())

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	decisions := rec.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, "3", decisions[0].RequestID)
	assert.Equal(t, Local, decisions[0].Provider)
	assert.Equal(t, ReasonFailover, decisions[0].Reason)
	assert.True(t, decisions[0].Failover)
	assert.NotEmpty(t, decisions[0].FailoverCause)

	d, ok := rt.Decision()
	require.True(t, ok)
	assert.True(t, d.Failover)
}

func TestExecuteFailsOverOnSubmitFailure(t *testing.T) {
	remote := remoteProvider()
	remote.submitErr = failure.New(failure.NotConnected, "session.send", "not connected")
	local := localProvider(nil, outcome.Done("ok"))
	r := newTestRouter(t, remote, local, connectivity.Online, nil)

	rt, err := r.Execute(context.Background(), Request{ID: "8", Model: "m"})
	require.NoError(t, err)
	result, err := rt.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteDoesNotFailOverProviderError(t *testing.T) {
	remote := remoteProvider(outcome.Fail(failure.Provider("rate_limited", "slow down")))
	local := localProvider(nil, outcome.Done("unused"))
	r := newTestRouter(t, remote, local, connectivity.Online, nil)

	rt, err := r.Execute(context.Background(), Request{ID: "9", Model: "m"})
	require.NoError(t, err)
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrProvider)
	assert.EqualValues(t, 0, local.submits.Load())
}

func TestExecuteDoesNotFailOverAfterChunk(t *testing.T) {
	remote := remoteProvider(
		outcome.ChunkOf(0, "partial"),
		outcome.Fail(failure.New(failure.ConnectionLost, "session", "lost")),
	)
	local := localProvider(nil, outcome.Done("unused"))
	r := newTestRouter(t, remote, local, connectivity.Online, nil)

	rt, err := r.Execute(context.Background(), Request{ID: "10", Model: "m", Streaming: true})
	require.NoError(t, err)
	outs := collect(t, rt)
	require.Len(t, outs, 2)
	assert.ErrorIs(t, outs[1].Err, failure.ErrConnectionLost)
	assert.EqualValues(t, 0, local.submits.Load())
}

func TestExecuteDoesNotFailOverOverride(t *testing.T) {
	remote := remoteProvider(outcome.Fail(failure.New(failure.ConnectionLost, "session", "lost")))
	local := localProvider(nil, outcome.Done("unused"))
	r := newTestRouter(t, remote, local, connectivity.Online, nil)

	rt, err := r.Execute(context.Background(), Request{ID: "11", Model: "m", Override: Remote})
	require.NoError(t, err)
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrConnectionLost)
	assert.EqualValues(t, 0, local.submits.Load())
}

func TestExecuteNoFailoverWhenDisabled(t *testing.T) {
	remote := remoteProvider(outcome.Fail(failure.New(failure.TransportError, "session", "broken")))
	local := localProvider(nil, outcome.Done("unused"))
	r := New(remote, local, staticConn(connectivity.Online), Config{AutoFailover: false}, zerolog.Nop())
	defer r.Close()

	rt, err := r.Execute(context.Background(), Request{ID: "12", Model: "m"})
	require.NoError(t, err)
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrTransport)
}

func TestExecuteNoProvider(t *testing.T) {
	r := newTestRouter(t, nil, nil, connectivity.Offline, nil)
	_, err := r.Execute(context.Background(), Request{ID: "13", Model: "m"})
	assert.ErrorIs(t, err, failure.ErrNoProviderAvailable)
}

func TestExecuteReportsRejectedSubmit(t *testing.T) {
	remote := remoteProvider()
	remote.submitErr = failure.New(failure.Timeout, "remote.submit", "session not ready in time")
	rec := &recorder{}
	r := newTestRouter(t, remote, localProvider(nil, outcome.Done("unused")), connectivity.Online, rec)

	_, err := r.Execute(context.Background(), Request{ID: "15", Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrTimeout)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Remote, se.Decision.Provider)
	assert.Equal(t, ReasonDefaultRemote, se.Decision.Reason)

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "15", rec.all()[0].RequestID)
}

func TestExecuteReportsFailedFailover(t *testing.T) {
	remote := remoteProvider()
	remote.submitErr = failure.New(failure.NotConnected, "session.send", "not connected")
	local := localProvider(nil)
	local.submitErr = failure.Provider("busy", "backend busy")
	rec := &recorder{}
	r := newTestRouter(t, remote, local, connectivity.Online, rec)

	_, err := r.Execute(context.Background(), Request{ID: "16", Model: "m"})
	assert.ErrorIs(t, err, failure.ErrProvider)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Remote, se.Decision.Provider)
	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReporterPanicDoesNotBreakRouting(t *testing.T) {
	var calls atomic.Int32
	panicky := ReporterFunc(func(Decision) {
		calls.Add(1)
		panic("boom")
	})
	r := New(remoteProvider(outcome.Done("a")), nil, staticConn(connectivity.Online), DefaultConfig(), zerolog.Nop(), WithReporter(panicky))
	defer r.Close()

	for i := 0; i < 3; i++ {
		rt, err := r.Execute(context.Background(), Request{ID: "p", Model: "m"})
		require.NoError(t, err)
		result, err := rt.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", result)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestCancelReachesExchange(t *testing.T) {
	ex := &fakeExchange{ch: make(chan outcome.Outcome)}
	remote := &blockingProvider{ex: ex}
	r := newTestRouter(t, remote, nil, connectivity.Online, nil)

	rt, err := r.Execute(context.Background(), Request{ID: "14", Model: "m"})
	require.NoError(t, err)
	rt.Cancel()
	assert.True(t, ex.cancelled.Load())

	ex.ch <- outcome.Fail(failure.ErrCancelled)
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrCancelled)
}

type blockingProvider struct {
	ex *fakeExchange
}

func (p *blockingProvider) Descriptor() Descriptor {
	return Descriptor{Kind: Remote, Capabilities: Capabilities{Streaming: true}, Health: Available}
}

func (p *blockingProvider) Submit(context.Context, Request) (Exchange, error) {
	return p.ex, nil
}
