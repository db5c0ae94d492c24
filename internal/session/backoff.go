package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig shapes the reconnect delay sequence.
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	// Jitter adds up to this fraction of the nominal delay.
	Jitter float64
}

// DefaultBackoffConfig returns the production reconnect schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   500 * time.Millisecond,
		Factor: 2,
		Cap:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Backoff produces exponentially growing, jittered delays capped at
// Cap. Successive delays never decrease until Reset.
type Backoff struct {
	mu      sync.Mutex
	config  BackoffConfig
	attempt int
	prev    time.Duration
	rand    func() float64
}

// NewBackoff creates a backoff at attempt zero.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Base <= 0 {
		config.Base = DefaultBackoffConfig().Base
	}
	if config.Factor < 1 {
		config.Factor = DefaultBackoffConfig().Factor
	}
	if config.Cap < config.Base {
		config.Cap = config.Base
	}
	return &Backoff{config: config, rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	capf := float64(b.config.Cap)
	d := float64(b.config.Base) * math.Pow(b.config.Factor, float64(b.attempt))
	if d > capf {
		d = capf
	}
	if b.config.Jitter > 0 {
		d += d * b.config.Jitter * b.rand()
	}
	if d > capf {
		d = capf
	}

	delay := time.Duration(d)
	if delay < b.prev {
		delay = b.prev
	}
	b.prev = delay
	b.attempt++
	return delay
}

// Reset returns the schedule to Base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.prev = 0
	b.mu.Unlock()
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
