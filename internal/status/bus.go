// Package status carries progress events from the harvest engines to a
// presentation layer without ever blocking the engines.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event kinds.
const (
	KindLog   = "log"
	KindState = "state"
	KindCount = "count"
)

// Event is one status update.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Source  string    `json:"source"`
	State   string    `json:"state,omitempty"`
	Item    string    `json:"item,omitempty"`
	Message string    `json:"message,omitempty"`
	Counter string    `json:"counter,omitempty"`
	Delta   int       `json:"delta,omitempty"`
}

// Bus is a bounded event channel with a drop-oldest policy. Publish never
// blocks. A nil *Bus discards everything.
type Bus struct {
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	log     *zap.Logger
}

// NewBus creates a bus buffering up to size events. Default: 256.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		ch:  make(chan Event, size),
		log: zap.L().With(zap.String("component", "status")),
	}
}

// Publish enqueues e, evicting the oldest buffered event when full.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.log.Debug(e.Message,
		zap.String("kind", e.Kind),
		zap.String("source", e.Source),
		zap.String("state", e.State),
		zap.String("item", e.Item),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// Log publishes a log line.
func (b *Bus) Log(source, msg string) {
	b.Publish(Event{Kind: KindLog, Source: source, Message: msg})
}

// State publishes a state transition of source.
func (b *Bus) State(source, state, item string) {
	b.Publish(Event{Kind: KindState, Source: source, State: state, Item: item})
}

// Count publishes a counter increment.
func (b *Bus) Count(source, counter string, delta int) {
	b.Publish(Event{Kind: KindCount, Source: source, Counter: counter, Delta: delta})
}

// Events returns the receive side. It is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped returns how many events were evicted.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close stops accepting events and closes the channel.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
