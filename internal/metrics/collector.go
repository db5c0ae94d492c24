package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/bus"
)

// SessionStates and ConnectivityStates label the state gauges.
var (
	SessionStates      = []string{"disconnected", "connecting", "authenticating", "ready", "degraded", "reconnecting", "closed"}
	ConnectivityStates = []string{"online", "limited", "offline"}
)

// Collector subscribes to the event bus and feeds Prometheus and the store.
type Collector struct {
	bus    *bus.Bus
	prom   *Prometheus
	store  *Store
	logger zerolog.Logger

	mu      sync.Mutex
	chunks  map[string]int
	sub     bus.SubscriptionID
	stopped bool
}

// NewCollector creates a collector. prom and store may each be nil.
func NewCollector(b *bus.Bus, prom *Prometheus, store *Store, logger zerolog.Logger) *Collector {
	return &Collector{
		bus:    b,
		prom:   prom,
		store:  store,
		logger: logger.With().Str("component", "metrics").Logger(),
		chunks: make(map[string]int),
	}
}

// Start begins listening to the bus.
func (c *Collector) Start() error {
	if c.bus == nil {
		return nil
	}
	id, err := c.bus.Subscribe(bus.EventType(""), c.handleEvent)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = id
	c.mu.Unlock()
	return nil
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped || c.sub == "" {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	id := c.sub
	c.mu.Unlock()

	c.bus.Unsubscribe(id)
}

func (c *Collector) handleEvent(e bus.Event) {
	switch e.Type {
	case bus.EventRoutingDecision:
		c.handleDecision(e)
	case bus.EventChunk:
		c.handleChunk(e)
	case bus.EventComplete, bus.EventError:
		c.handleTerminal(e)
	case bus.EventSessionState:
		c.handleSessionState(e)
	case bus.EventConnectivity:
		if c.prom != nil {
			SetState(c.prom.Connectivity, ConnectivityStates, e.To)
		}
	}
}

func (c *Collector) handleDecision(e bus.Event) {
	if c.prom == nil {
		return
	}
	c.prom.RoutingDecisions.WithLabelValues(e.Provider, e.Reason).Inc()
	if e.Failover {
		c.prom.Failovers.Inc()
	}
}

func (c *Collector) handleChunk(e bus.Event) {
	c.mu.Lock()
	c.chunks[e.RequestID]++
	c.mu.Unlock()
	if c.prom != nil {
		c.prom.StreamChunks.Inc()
	}
}

func (c *Collector) handleTerminal(e bus.Event) {
	c.mu.Lock()
	chunks := c.chunks[e.RequestID]
	delete(c.chunks, e.RequestID)
	c.mu.Unlock()

	provider := e.Provider
	if provider == "" {
		provider = "none"
	}
	result := "complete"
	if e.Type == bus.EventError {
		result = "error"
		if e.ErrorKind != "" {
			result = e.ErrorKind
		}
	}

	if c.prom != nil {
		c.prom.Outcomes.WithLabelValues(provider, result).Inc()
		c.prom.RequestDuration.WithLabelValues(provider).Observe(float64(e.DurationMs) / 1000)
	}

	if c.store != nil {
		rec := RequestRecord{
			RequestID: e.RequestID,
			Provider:  provider,
			Model:     e.Model,
			Reason:    e.Reason,
			Failover:  e.Failover,
			Streaming: e.Streaming,
			Success:   e.Type == bus.EventComplete,
			ErrorKind: e.ErrorKind,
			LatencyMs: e.DurationMs,
			Chunks:    chunks,
			CreatedAt: e.Timestamp,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.RecordRequest(ctx, rec); err != nil {
			c.logger.Warn().Err(err).Str("request_id", e.RequestID).Msg("failed to record request")
		}
	}
}

func (c *Collector) handleSessionState(e bus.Event) {
	if c.prom == nil {
		return
	}
	SetState(c.prom.SessionState, SessionStates, e.To)
	switch e.To {
	case "reconnecting":
		c.prom.Reconnects.Inc()
	case "degraded":
		c.prom.SessionDegraded.Inc()
	}
}
