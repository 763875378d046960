package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a session breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects every call; the session is considered dead.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned for calls made after the breaker tripped.
var ErrBreakerOpen = eris.New("resilience: session breaker is open")

// BreakerConfig controls a session breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that trips the breaker.
	// Default: 5.
	Threshold int

	// Trips decides which errors count. Default: every non-nil error except
	// context cancellation.
	Trips func(err error) bool

	// OnTrip runs once when the breaker opens.
	OnTrip func(failures int, last error)
}

// Breaker tracks consecutive failures of one browser session. Unlike a
// service breaker it never half-opens: a tripped session is abandoned.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return err != nil && Classify(err) != ClassCanceled }
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open and records its result.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// Allow returns ErrBreakerOpen once the breaker has tripped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Record counts err as a success or failure.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	if err == nil || !b.cfg.Trips(err) {
		if b.state == BreakerClosed {
			b.failures = 0
		}
		b.mu.Unlock()
		return
	}
	b.failures++
	tripped := b.state == BreakerClosed && b.failures >= b.cfg.Threshold
	if tripped {
		b.state = BreakerOpen
	}
	failures := b.failures
	b.mu.Unlock()

	if tripped && b.cfg.OnTrip != nil {
		b.cfg.OnTrip(failures, err)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Breakers hands out one breaker per named session.
type Breakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every breaker's state.
func (r *Breakers) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
