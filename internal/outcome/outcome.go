// Package outcome defines the tagged result stream of a single request and
// the non-blocking sink that carries it to the caller.
package outcome

import (
	"context"
	"strings"
	"sync"
)

// Kind tags an Outcome.
type Kind int

const (
	// Pending is the zero Kind: no outcome has been produced yet.
	Pending Kind = iota
	Chunk
	Complete
	Failed
)

func (k Kind) String() string {
	switch k {
	case Chunk:
		return "chunk"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome is one event in a request's life. Chunk carries Seq and Payload,
// Complete carries the full result in Payload, Failed carries Err.
type Outcome struct {
	Kind    Kind
	Seq     uint64
	Payload string
	Err     error
}

// Terminal reports whether no further outcomes may follow.
func (o Outcome) Terminal() bool {
	return o.Kind == Complete || o.Kind == Failed
}

func ChunkOf(seq uint64, payload string) Outcome {
	return Outcome{Kind: Chunk, Seq: seq, Payload: payload}
}

func Done(result string) Outcome {
	return Outcome{Kind: Complete, Payload: result}
}

func Fail(err error) Outcome {
	return Outcome{Kind: Failed, Err: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// SINK
// ─────────────────────────────────────────────────────────────────────────────

// Sink queues outcomes for one request and feeds them, in order, to a single
// channel. Deliver never blocks: a slow consumer only grows the queue. After
// the first terminal outcome every later Deliver is rejected, and the
// channel is closed once the terminal outcome has been read.
type Sink struct {
	mu       sync.Mutex
	queue    []Outcome
	terminal bool
	last     Kind

	notify  chan struct{}
	out     chan Outcome
	abandon chan struct{}
	once    sync.Once
}

// NewSink creates a sink and starts its delivery pump.
func NewSink() *Sink {
	s := &Sink{
		notify:  make(chan struct{}, 1),
		out:     make(chan Outcome),
		abandon: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Deliver enqueues o. It returns false if a terminal outcome was already
// delivered, in which case o is dropped.
func (s *Sink) Deliver(o Outcome) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, o)
	s.last = o.Kind
	if o.Terminal() {
		s.terminal = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// C returns the outcome channel. It is closed after the terminal outcome.
func (s *Sink) C() <-chan Outcome {
	return s.out
}

// Finished reports whether a terminal outcome has been delivered.
func (s *Sink) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Last returns the Kind of the most recent outcome, Pending if none.
func (s *Sink) Last() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Abandon stops the pump for a consumer that will not read any further.
func (s *Sink) Abandon() {
	s.once.Do(func() { close(s.abandon) })
}

func (s *Sink) pump() {
	for {
		select {
		case <-s.notify:
		case <-s.abandon:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			o := s.queue[0]
			s.queue[0] = Outcome{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- o:
			case <-s.abandon:
				return
			}
			if o.Terminal() {
				close(s.out)
				return
			}
		}
	}
}

// Collect reads outcomes until the terminal one and returns the completed
// result. Streaming results are returned as delivered by Complete.
func Collect(ctx context.Context, ch <-chan Outcome) (string, error) {
	var partial strings.Builder
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return partial.String(), nil
			}
			switch o.Kind {
			case Chunk:
				partial.WriteString(o.Payload)
			case Complete:
				return o.Payload, nil
			case Failed:
				return partial.String(), o.Err
			}
		case <-ctx.Done():
			return partial.String(), ctx.Err()
		}
	}
}
