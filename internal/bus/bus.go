package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	// DefaultHistorySize is the number of recent events retained.
	DefaultHistorySize = 256

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 128
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// SubscriptionID identifies a subscription.
type SubscriptionID string

// Subscription is a single handler registration.
type Subscription struct {
	ID        SubscriptionID
	EventType EventType
	Handler   func(Event)
	Channel   chan Event
	done      chan struct{}
}

// Bus is a thread-safe pub/sub hub with wildcard subscriptions and bounded
// history. Publish never blocks: a subscriber whose buffer is full misses
// the event.
type Bus struct {
	mu         sync.RWMutex
	typedSubs  map[EventType]map[SubscriptionID]*Subscription
	wildcard   map[SubscriptionID]*Subscription
	subCounter atomic.Uint64

	history     []Event
	historyMu   sync.RWMutex
	historySize int

	dropped atomic.Uint64
	logger  zerolog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates a bus with default history size.
func New(logger zerolog.Logger) *Bus {
	return NewWithHistory(DefaultHistorySize, logger)
}

// NewWithHistory creates a bus retaining historySize events.
func NewWithHistory(historySize int, logger zerolog.Logger) *Bus {
	if historySize < 0 {
		historySize = 0
	}
	return &Bus{
		typedSubs:   make(map[EventType]map[SubscriptionID]*Subscription),
		wildcard:    make(map[SubscriptionID]*Subscription),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers handler for eventType. Use EventType("") for every
// event. Handlers run on the subscription's own goroutine, in publish order.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) (SubscriptionID, error) {
	if handler == nil {
		return "", errors.New("nil handler")
	}

	sub := &Subscription{
		ID:        SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter.Add(1))),
		EventType: eventType,
		Handler:   handler,
		Channel:   make(chan Event, DefaultChannelBuffer),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return "", ErrClosed
	}
	if eventType == "" {
		b.wildcard[sub.ID] = sub
	} else {
		if b.typedSubs[eventType] == nil {
			b.typedSubs[eventType] = make(map[SubscriptionID]*Subscription)
		}
		b.typedSubs[eventType][sub.ID] = sub
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.handleSubscription(sub)
	return sub.ID, nil
}

func (b *Bus) handleSubscription(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.Channel:
			b.invoke(sub, event)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error().
				Interface("panic", p).
				Str("subscription", string(sub.ID)).
				Str("event", string(event.Type)).
				Msg("subscriber panicked")
		}
	}()
	sub.Handler(event)
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	sub, ok := b.wildcard[id]
	if ok {
		delete(b.wildcard, id)
	} else {
		for t, subs := range b.typedSubs {
			if s, found := subs[id]; found {
				sub, ok = s, true
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.typedSubs, t)
				}
				break
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	close(sub.done)
	return nil
}

// Publish sends event to every matching subscriber.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.wildcard {
		b.offer(sub, event)
	}
	for _, sub := range b.typedSubs[event.Type] {
		b.offer(sub, event)
	}
	return nil
}

func (b *Bus) offer(sub *Subscription, event Event) {
	select {
	case sub.Channel <- event:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn().
				Str("subscription", string(sub.ID)).
				Str("event", string(event.Type)).
				Uint64("dropped_total", b.dropped.Load()).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

func (b *Bus) addToHistory(event Event) {
	if b.historySize == 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns the retained events, oldest first.
func (b *Bus) History() []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Recent returns the last n events.
func (b *Bus) Recent(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	if n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriptionsCount returns the number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.wildcard)
	for _, subs := range b.typedSubs {
		n += len(subs)
	}
	return n
}

// Close stops every subscription and waits for running handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, sub := range b.wildcard {
		close(sub.done)
	}
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.wildcard = make(map[SubscriptionID]*Subscription)
	b.typedSubs = make(map[EventType]map[SubscriptionID]*Subscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
