// Package connectivity tracks whether the network path to the remote
// endpoint is usable, debouncing raw probe results into state transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the debounced connectivity classification.
type State int

const (
	Online State = iota
	Limited
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Limited:
		return "limited"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Snapshot is the current state and when it was entered.
type Snapshot struct {
	State            State     `json:"state"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Transition is emitted on every state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Cause string    `json:"cause"`
}

// Observation is one raw probe result.
type Observation struct {
	State   State         `json:"state"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

// Config holds monitor settings.
type Config struct {
	// Interval between probes.
	Interval time.Duration

	// Threshold is how many consecutive agreeing probes a transition needs.
	Threshold int

	// ProbeTimeout bounds one probe.
	ProbeTimeout time.Duration

	// HistorySize is how many observations are retained.
	HistorySize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Second,
		Threshold:    2,
		ProbeTimeout: 5 * time.Second,
		HistorySize:  10,
	}
}

// Monitor owns the connectivity state.
type Monitor struct {
	mu        sync.RWMutex
	snap      Snapshot
	candidate State
	streak    int
	history   []Observation

	subs    map[int]chan Transition
	nextSub int

	prober Prober
	config Config
	logger zerolog.Logger
}

// NewMonitor creates a monitor that starts Online.
func NewMonitor(prober Prober, config Config, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	return &Monitor{
		snap:   Snapshot{State: Online, LastTransitionAt: time.Now()},
		subs:   make(map[int]chan Transition),
		prober: prober,
		config: config,
		logger: logger.With().Str("component", "connectivity").Logger(),
	}
}

// Run probes on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}

	m.Check(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and feeds the result to Observe.
func (m *Monitor) Check(ctx context.Context) Observation {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	obs := m.prober.Probe(ctx)
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	m.Observe(obs)
	return obs
}

// Observe records a probe result. The state only changes after Threshold
// consecutive observations agree on a new state.
func (m *Monitor) Observe(obs Observation) {
	m.mu.Lock()
	m.history = append(m.history, obs)
	if len(m.history) > m.config.HistorySize {
		m.history = m.history[1:]
	}

	if obs.State == m.snap.State {
		m.streak = 0
		m.mu.Unlock()
		return
	}
	if obs.State == m.candidate && m.streak > 0 {
		m.streak++
	} else {
		m.candidate = obs.State
		m.streak = 1
	}
	if m.streak < m.config.Threshold {
		m.mu.Unlock()
		m.logger.Debug().Str("candidate", obs.State.String()).Int("streak", m.streak).Msg("probe disagrees with state")
		return
	}
	t := m.transitionLocked(obs.State, "probe")
	m.mu.Unlock()

	m.publish(t)
}

// ReportTransportFailure is the session's push notification that its
// transport failed. It degrades Online to Limited without waiting for probes.
func (m *Monitor) ReportTransportFailure(err error) {
	m.mu.Lock()
	if m.snap.State != Online {
		m.mu.Unlock()
		return
	}
	t := m.transitionLocked(Limited, "transport-failure")
	m.mu.Unlock()

	m.logger.Debug().Err(err).Msg("transport failure reported")
	m.publish(t)
}

// ReportRecovered is the session's push notification that it reached Ready.
func (m *Monitor) ReportRecovered() {
	m.mu.Lock()
	if m.snap.State == Online {
		m.mu.Unlock()
		return
	}
	t := m.transitionLocked(Online, "session-ready")
	m.mu.Unlock()

	m.publish(t)
}

func (m *Monitor) transitionLocked(to State, cause string) Transition {
	t := Transition{From: m.snap.State, To: to, At: time.Now(), Cause: cause}
	m.snap = Snapshot{State: to, LastTransitionAt: t.At}
	m.streak = 0
	return t
}

// Current returns the current state.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// History returns recent observations, oldest first.
func (m *Monitor) History() []Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observation, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription. Transitions are dropped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) publish(t Transition) {
	m.logger.Info().
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("cause", t.Cause).
		Msg("connectivity changed")

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.logger.Warn().Msg("connectivity subscriber full, transition dropped")
		}
	}
}
