// Package metrics records engine health and request outcomes: Prometheus
// collectors for live scraping and a SQLite diagnostics store for history.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papin"

// Prometheus holds the engine's collectors. Each instance registers on its
// own registry so several engines can coexist in one process.
type Prometheus struct {
	registry *prometheus.Registry

	SessionState     *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	SessionDegraded  prometheus.Counter
	Connectivity     *prometheus.GaugeVec
	RoutingDecisions *prometheus.CounterVec
	Failovers        prometheus.Counter
	Outcomes         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	StreamChunks     prometheus.Counter
	BusDropped       prometheus.CounterFunc
}

// NewPrometheus creates and registers every collector.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		SessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the session's current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),

		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Total number of reconnect cycles entered",
		}),

		SessionDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_degraded_total",
			Help:      "Total number of times the session degraded on missed heartbeats",
		}),

		Connectivity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connectivity_state",
				Help:      "1 for the current connectivity state, 0 otherwise",
			},
			[]string{"state"},
		),

		RoutingDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_decisions_total",
				Help:      "Routing decisions by provider and reason",
			},
			[]string{"provider", "reason"},
		),

		Failovers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Requests retried on the local provider after a remote transport failure",
		}),

		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_outcomes_total",
				Help:      "Terminal request outcomes by provider and result",
			},
			[]string{"provider", "result"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from routing decision to terminal outcome",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider"},
		),

		StreamChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks delivered to callers",
		}),
	}
}

// RegisterPending exposes the in-flight request count.
func (p *Prometheus) RegisterPending(fn func() int) {
	promauto.With(p.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Requests awaiting a terminal outcome on the remote session",
	}, func() float64 { return float64(fn()) })
}

// RegisterBusDropped exposes the event bus drop count.
func (p *Prometheus) RegisterBusDropped(fn func() uint64) {
	p.BusDropped = promauto.With(p.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_dropped_total",
		Help:      "Event deliveries skipped for slow subscribers",
	}, func() float64 { return float64(fn()) })
}

// SetState marks current as the only active value of a state gauge.
func SetState(g *prometheus.GaugeVec, all []string, current string) {
	for _, s := range all {
		if s == current {
			g.WithLabelValues(s).Set(1)
		} else {
			g.WithLabelValues(s).Set(0)
		}
	}
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the collectors in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
