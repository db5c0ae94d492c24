// Package stream reassembles sequenced stream chunks into ordered partial
// results and a final concatenated result.
package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/PolycarpusTack/papin/internal/failure"
	"github.com/PolycarpusTack/papin/internal/outcome"
)

// DefaultMaxBufferedBytes caps a single assembled response.
const DefaultMaxBufferedBytes = 50 * 1024 * 1024

// Result describes what OnChunk did with a chunk.
type Result int

const (
	Appended Result = iota
	Duplicate
	Unknown
)

type buffer struct {
	chunks  []string
	lastSeq uint64
	size    int
	sink    *outcome.Sink
}

// Assembler owns one buffer per open streaming request. Buffers are created
// by Open and released by OnEnd, Abort or Release.
type Assembler struct {
	mu       sync.Mutex
	buffers  map[uint64]*buffer
	maxBytes int
	logger   zerolog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxBufferedBytes overrides DefaultMaxBufferedBytes.
func WithMaxBufferedBytes(n int) Option {
	return func(a *Assembler) {
		a.maxBytes = n
	}
}

// NewAssembler creates an empty assembler.
func NewAssembler(logger zerolog.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		buffers:  make(map[uint64]*buffer),
		maxBytes: DefaultMaxBufferedBytes,
		logger:   logger.With().Str("component", "stream").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open starts a buffer for id whose chunks are handed to sink.
func (a *Assembler) Open(id uint64, sink *outcome.Sink) {
	a.mu.Lock()
	a.buffers[id] = &buffer{sink: sink}
	a.mu.Unlock()
}

// OnChunk applies one chunk. The next expected sequence number is appended
// and handed to the caller; an already seen number is ignored; a number past
// the next one aborts the stream and returns a SequenceGap failure, leaving
// the terminal delivery to the owner of the request.
func (a *Assembler) OnChunk(id, seq uint64, payload string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[id]
	if !ok {
		return Unknown, nil
	}

	switch {
	case seq <= b.lastSeq:
		a.logger.Debug().Uint64("correlation_id", id).Uint64("seq", seq).Msg("duplicate chunk ignored")
		return Duplicate, nil

	case seq > b.lastSeq+1:
		delete(a.buffers, id)
		return Unknown, &failure.Error{
			Kind:    failure.SequenceGap,
			Op:      "stream.chunk",
			Message: fmt.Sprintf("expected seq %d, got %d", b.lastSeq+1, seq),
		}
	}

	if a.maxBytes > 0 && b.size+len(payload) > a.maxBytes {
		delete(a.buffers, id)
		return Unknown, &failure.Error{
			Kind:    failure.ProviderError,
			Op:      "stream.chunk",
			Code:    "response_too_large",
			Message: fmt.Sprintf("streamed response exceeds %d bytes", a.maxBytes),
		}
	}

	b.chunks = append(b.chunks, payload)
	b.lastSeq = seq
	b.size += len(payload)
	b.sink.Deliver(outcome.ChunkOf(seq, payload))
	return Appended, nil
}

// OnEnd finalizes the buffer for id, delivers the concatenated result and
// releases the buffer. It reports false if no buffer was open.
func (a *Assembler) OnEnd(id uint64) (string, bool) {
	a.mu.Lock()
	b, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()

	if !ok {
		return "", false
	}

	result := strings.Join(b.chunks, "")
	b.sink.Deliver(outcome.Done(result))
	return result, true
}

// Abort releases the buffer for id and delivers err as its terminal outcome.
func (a *Assembler) Abort(id uint64, err error) bool {
	a.mu.Lock()
	b, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()

	if !ok {
		return false
	}
	b.sink.Deliver(outcome.Fail(err))
	return true
}

// Release drops the buffer for id without delivering anything.
func (a *Assembler) Release(id uint64) {
	a.mu.Lock()
	delete(a.buffers, id)
	a.mu.Unlock()
}

// Len returns the number of open buffers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
