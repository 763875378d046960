package status

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SourceStatus is the latest known state of one event source.
type SourceStatus struct {
	State   string    `json:"state"`
	Item    string    `json:"item,omitempty"`
	Updated time.Time `json:"updated"`
}

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	Started  time.Time               `json:"started"`
	Sources  map[string]SourceStatus `json:"sources"`
	Counters map[string]int          `json:"counters"`
	Recent   []Event                 `json:"recent"`
	Dropped  int64                   `json:"dropped"`
}

// SourceNames returns the source names in lexical order.
func (s Snapshot) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for n := range s.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Board drains a Bus and keeps the latest state per source, counters, and
// the most recent log lines.
type Board struct {
	bus    *Bus
	recent int

	mu       sync.RWMutex
	started  time.Time
	sources  map[string]SourceStatus
	counters map[string]int
	lines    []Event
}

// NewBoard creates a board for bus keeping up to recent log lines.
// Default: 100.
func NewBoard(bus *Bus, recent int) *Board {
	if recent <= 0 {
		recent = 100
	}
	return &Board{
		bus:      bus,
		recent:   recent,
		started:  time.Now(),
		sources:  make(map[string]SourceStatus),
		counters: make(map[string]int),
	}
}

// Run consumes events until the bus is closed or ctx is done.
func (b *Board) Run(ctx context.Context) {
	events := b.bus.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.Apply(e)
		}
	}
}

// Apply folds one event into the board.
func (b *Board) Apply(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch e.Kind {
	case KindState:
		b.sources[e.Source] = SourceStatus{State: e.State, Item: e.Item, Updated: e.Time}
	case KindCount:
		b.counters[e.Counter] += e.Delta
	case KindLog:
		b.lines = append(b.lines, e)
		if over := len(b.lines) - b.recent; over > 0 {
			b.lines = append(b.lines[:0], b.lines[over:]...)
		}
	}
}

// Snapshot copies the current board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		Started:  b.started,
		Sources:  make(map[string]SourceStatus, len(b.sources)),
		Counters: make(map[string]int, len(b.counters)),
		Recent:   append([]Event(nil), b.lines...),
		Dropped:  b.bus.Dropped(),
	}
	for k, v := range b.sources {
		s.Sources[k] = v
	}
	for k, v := range b.counters {
		s.Counters[k] = v
	}
	return s
}
