package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() *Monitor {
	return NewMonitor(nil, DefaultConfig(), zerolog.Nop())
}

func TestSingleProbeDoesNotFlip(t *testing.T) {
	m := newTestMonitor()
	m.Observe(Observation{State: Offline})
	assert.Equal(t, Online, m.Current().State)

	m.Observe(Observation{State: Online})
	m.Observe(Observation{State: Offline})
	assert.Equal(t, Online, m.Current().State)
}

func TestTwoConsecutiveProbesFlip(t *testing.T) {
	m := newTestMonitor()
	ch, unsubscribe := m.Subscribe(4)
	defer unsubscribe()

	before := m.Current().LastTransitionAt
	m.Observe(Observation{State: Offline})
	m.Observe(Observation{State: Offline})

	snap := m.Current()
	assert.Equal(t, Offline, snap.State)
	assert.False(t, snap.LastTransitionAt.Before(before))

	select {
	case tr := <-ch:
		assert.Equal(t, Online, tr.From)
		assert.Equal(t, Offline, tr.To)
		assert.Equal(t, "probe", tr.Cause)
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}
}

func TestAlternatingCandidatesResetStreak(t *testing.T) {
	m := newTestMonitor()
	m.Observe(Observation{State: Offline})
	m.Observe(Observation{State: Limited})
	assert.Equal(t, Online, m.Current().State)
	m.Observe(Observation{State: Limited})
	assert.Equal(t, Limited, m.Current().State)
}

func TestPushNotifications(t *testing.T) {
	m := newTestMonitor()
	ch, unsubscribe := m.Subscribe(4)
	defer unsubscribe()

	m.ReportTransportFailure(errors.New("read: connection reset"))
	assert.Equal(t, Limited, m.Current().State)
	tr := <-ch
	assert.Equal(t, "transport-failure", tr.Cause)

	// Already degraded: no further transition.
	m.ReportTransportFailure(errors.New("again"))
	assert.Equal(t, Limited, m.Current().State)

	m.ReportRecovered()
	assert.Equal(t, Online, m.Current().State)
	tr = <-ch
	assert.Equal(t, Limited, tr.From)
	assert.Equal(t, Online, tr.To)
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	m := NewMonitor(nil, cfg, zerolog.Nop())
	for i := 0; i < 5; i++ {
		m.Observe(Observation{State: Online, Latency: time.Duration(i)})
	}
	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, time.Duration(2), h[0].Latency)
}

func TestRunProbesOnInterval(t *testing.T) {
	probe := ProberFunc(func(ctx context.Context) Observation {
		return Observation{State: Offline, Error: "down"}
	})
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	m := NewMonitor(probe, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool { return m.Current().State == Offline }, time.Second, 5*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	p := &HTTPProber{URL: server.URL}
	assert.Equal(t, Online, p.Probe(context.Background()).State)

	status.Store(http.StatusServiceUnavailable)
	obs := p.Probe(context.Background())
	assert.Equal(t, Limited, obs.State)
	assert.Contains(t, obs.Error, "status 503")

	server.Close()
	assert.Equal(t, Offline, p.Probe(context.Background()).State)
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := &TCPProber{Address: addr}
	assert.Equal(t, Online, p.Probe(context.Background()).State)

	ln.Close()
	assert.Equal(t, Offline, p.Probe(context.Background()).State)
}

func TestMultiProber(t *testing.T) {
	on := ProberFunc(func(context.Context) Observation { return Observation{State: Online} })
	off := ProberFunc(func(context.Context) Observation { return Observation{State: Offline, Error: "x"} })

	assert.Equal(t, Online, MultiProber{on, on}.Probe(context.Background()).State)
	assert.Equal(t, Offline, MultiProber{off, off}.Probe(context.Background()).State)
	assert.Equal(t, Limited, MultiProber{on, off}.Probe(context.Background()).State)
}
