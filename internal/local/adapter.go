package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/router"
)

// Config holds adapter settings.
type Config struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string

	// RefreshInterval is how often Run re-probes the backend.
	RefreshInterval time.Duration

	// ProbeTimeout bounds one Refresh.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		DefaultModel:    "llama3",
		RefreshInterval: 30 * time.Second,
		ProbeTimeout:    3 * time.Second,
	}
}

// Adapter exposes a Backend as the router's local provider. Its health and
// model list come from the last Refresh; until one succeeds it reports
// Unavailable.
type Adapter struct {
	backend Backend
	config  Config
	logger  zerolog.Logger

	mu          sync.RWMutex
	health      router.Health
	models      []string
	lastRefresh time.Time
}

// NewAdapter wraps backend.
func NewAdapter(backend Backend, config Config, logger zerolog.Logger) *Adapter {
	def := DefaultConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = def.RefreshInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	return &Adapter{
		backend: backend,
		config:  config,
		logger:  logger.With().Str("component", "local").Logger(),
		health:  router.Unavailable,
	}
}

// Descriptor reports the local provider's capabilities and health.
func (a *Adapter) Descriptor() router.Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	models := make([]string, len(a.models))
	copy(models, a.models)
	return router.Descriptor{
		Kind:         router.Local,
		Capabilities: router.Capabilities{Streaming: true, Models: models},
		Health:       a.health,
	}
}

// LastRefresh returns when the backend was last probed successfully.
func (a *Adapter) LastRefresh() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefresh
}

// ─────────────────────────────────────────────────────────────────────────────
// AVAILABILITY
// ─────────────────────────────────────────────────────────────────────────────

// Refresh probes the backend's model list. A backend with no models is not
// usable and is reported Unavailable.
func (a *Adapter) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.ProbeTimeout)
	defer cancel()

	models, err := a.backend.Models(ctx)

	a.mu.Lock()
	prev := a.health
	switch {
	case err != nil:
		a.health = router.Unavailable
		a.models = nil
	case len(models) == 0:
		a.health = router.Unavailable
		a.models = nil
	default:
		a.health = router.Available
		a.models = models
		a.lastRefresh = time.Now()
	}
	health := a.health
	a.mu.Unlock()

	if health != prev {
		a.logger.Info().
			Str("from", prev.String()).
			Str("to", health.String()).
			Int("models", len(models)).
			Msg("local backend health changed")
	}
	if err != nil {
		return fmt.Errorf("refresh local models: %w", err)
	}
	return nil
}

// Run refreshes on every interval until ctx ends.
func (a *Adapter) Run(ctx context.Context) {
	if err := a.Refresh(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("initial refresh failed")
	}

	ticker := time.NewTicker(a.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				a.logger.Debug().Err(err).Msg("refresh failed")
			}
		}
	}
}

func (a *Adapter) markUnavailable(err error) {
	a.mu.Lock()
	changed := a.health != router.Unavailable
	a.health = router.Unavailable
	a.mu.Unlock()
	if changed {
		a.logger.Warn().Err(err).Msg("local backend became unreachable")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// REQUESTS
// ─────────────────────────────────────────────────────────────────────────────

// Submit starts generation in the background and returns its exchange.
func (a *Adapter) Submit(ctx context.Context, req router.Request) (router.Exchange, error) {
	model := req.Model
	if model == "" {
		model = a.config.DefaultModel
	}
	if model == "" {
		return nil, failure.New(failure.ProviderError, "local.submit", "no model requested and no default configured")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !req.Deadline.IsZero() {
		runCtx, cancel = withDeadline(runCtx, cancel, req.Deadline)
	}

	ex := &exchange{sink: outcome.NewSink(), cancel: cancel}
	go a.generate(runCtx, ex, req, model)
	return ex, nil
}

func withDeadline(ctx context.Context, cancel context.CancelFunc, deadline time.Time) (context.Context, context.CancelFunc) {
	dctx, dcancel := context.WithDeadline(ctx, deadline)
	return dctx, func() {
		dcancel()
		cancel()
	}
}

func (a *Adapter) generate(ctx context.Context, ex *exchange, req router.Request, model string) {
	defer ex.cancel()

	// Chunks are numbered from 1, as on the wire.
	var seq uint64
	onToken := func(tok string) error {
		if !req.Streaming {
			return nil
		}
		seq++
		if !ex.sink.Deliver(outcome.ChunkOf(seq, tok)) {
			return failure.ErrCancelled
		}
		return nil
	}

	start := time.Now()
	result, err := a.backend.Generate(ctx, model, req.Payload, onToken)
	if err == nil {
		ex.sink.Deliver(outcome.Done(result))
		a.logger.Debug().
			Str("request_id", req.ID).
			Str("model", model).
			Dur("duration", time.Since(start)).
			Msg("local generation complete")
		return
	}

	if ex.cancelled.Load() {
		return
	}
	ex.sink.Deliver(outcome.Fail(a.classify(ctx, err)))
}

// classify maps a backend error onto the failure taxonomy.
func (a *Adapter) classify(ctx context.Context, err error) error {
	var stall *StallError
	var status *StatusError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure.Wrap(failure.Timeout, "local.generate", err)
	case errors.As(err, &stall):
		return failure.Wrap(failure.Timeout, "local.generate", err)
	case errors.Is(err, ErrUnreachable):
		a.markUnavailable(err)
		fe := failure.Wrap(failure.ProviderError, "local.generate", err)
		fe.Code = "local_unreachable"
		return fe
	case errors.As(err, &status):
		fe := failure.Provider(fmt.Sprintf("status_%d", status.Status), status.Body)
		fe.Op = "local.generate"
		return fe
	default:
		fe := failure.Wrap(failure.ProviderError, "local.generate", err)
		fe.Code = "local_error"
		return fe
	}
}

// exchange is one local generation.
type exchange struct {
	sink      *outcome.Sink
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func (e *exchange) Outcomes() <-chan outcome.Outcome { return e.sink.C() }

// Cancel delivers Cancelled at once and stops generation. It is a no-op
// after completion.
func (e *exchange) Cancel() {
	if e.sink.Finished() {
		return
	}
	e.cancelled.Store(true)
	e.sink.Deliver(outcome.Fail(failure.New(failure.Cancelled, "local.cancel", "request cancelled")))
	e.cancel()
}
