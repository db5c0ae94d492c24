package mux

import (
	"context"

	"github.com/PolycarpusTack/papin/internal/outcome"
)

// Handle is the caller's reference to a submitted request.
type Handle struct {
	id   uint64
	kind Kind
	sink *outcome.Sink
	mux  *Multiplexer
}

// ID returns the correlation id.
func (h *Handle) ID() uint64 { return h.id }

// Kind returns whether the request streams.
func (h *Handle) Kind() Kind { return h.kind }

// Outcomes returns the request's outcome channel, closed after the terminal outcome.
func (h *Handle) Outcomes() <-chan outcome.Outcome { return h.sink.C() }

// Cancel cancels the request. Cancelling a finished request is a no-op.
func (h *Handle) Cancel() {
	h.mux.Cancel(h.id)
}

// Wait blocks until the request completes and returns its result.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	return outcome.Collect(ctx, h.sink.C())
}
