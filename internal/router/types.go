// Package router decides, per request, whether the remote endpoint or the
// local model serves it, and fails over from remote to local when the
// remote transport breaks.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/outcome"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDERS
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderKind is the closed set of providers.
type ProviderKind string

const (
	Remote ProviderKind = "remote"
	Local  ProviderKind = "local"
)

func (k ProviderKind) String() string {
	return string(k)
}

// Health is a provider's current ability to take requests.
type Health int

const (
	Available Health = iota
	Degraded
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Available:
		return "available"
	case Degraded:
		return "degraded"
	default:
		return "unavailable"
	}
}

// Capabilities describe what a provider can serve.
type Capabilities struct {
	Streaming bool

	// Models lists servable model ids. Empty means any model.
	Models []string
}

// Supports reports whether model can be served, streaming or not. A bare
// model name matches its ":latest" tag.
func (c Capabilities) Supports(model string, streaming bool) bool {
	if streaming && !c.Streaming {
		return false
	}
	if len(c.Models) == 0 {
		return true
	}
	want := strings.TrimSuffix(model, ":latest")
	for _, m := range c.Models {
		if strings.TrimSuffix(m, ":latest") == want {
			return true
		}
	}
	return false
}

// Descriptor is a provider's kind, capabilities and health.
type Descriptor struct {
	Kind         ProviderKind
	Capabilities Capabilities
	Health       Health
}

// Request is a routed request.
type Request struct {
	ID        string
	Model     string
	Payload   string
	Streaming bool

	// Override pins the provider when it is Available.
	Override ProviderKind

	// Deadline, when set, fails the request with Timeout once reached.
	Deadline time.Time
}

// Exchange is a provider's handle on one submitted request.
type Exchange interface {
	Outcomes() <-chan outcome.Outcome
	Cancel()
}

// Provider serves requests. The set of implementations is closed: the
// remote session and the local model adapter.
type Provider interface {
	Descriptor() Descriptor
	Submit(ctx context.Context, req Request) (Exchange, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// DECISIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Reason explains a routing decision.
type Reason string

const (
	ReasonOverride          Reason = "override"
	ReasonOfflineFallback   Reason = "offline-fallback"
	ReasonDefaultRemote     Reason = "default-remote"
	ReasonRemoteUnavailable Reason = "remote-unavailable"
	ReasonFailover          Reason = "failover"
)

// Decision records which provider served a request and why. Exactly one is
// reported per routed request.
type Decision struct {
	RequestID     string             `json:"request_id"`
	Model         string             `json:"model"`
	Provider      ProviderKind       `json:"provider"`
	Reason        Reason             `json:"reason"`
	Failover      bool               `json:"failover"`
	FailoverCause string             `json:"failover_cause,omitempty"`
	Connectivity  connectivity.State `json:"connectivity"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// ConnectivitySource exposes the current connectivity state.
type ConnectivitySource interface {
	Current() connectivity.Snapshot
}

// SubmitError is returned by Execute when the chosen provider refused the
// request. The decision was made and reported; no outcome follows.
type SubmitError struct {
	Decision Decision
	Err      error
}

func (e *SubmitError) Error() string { return e.Err.Error() }

func (e *SubmitError) Unwrap() error { return e.Err }

// Reporter receives routing decisions.
type Reporter interface {
	ReportDecision(Decision)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Decision)

func (f ReporterFunc) ReportDecision(d Decision) { f(d) }
