package audit

import (
	"fmt"
	"log"
	"sync"
)

const (
	// DefaultMaxObservers is the cap when TapConfig.MaxObservers is zero.
	DefaultMaxObservers = 10

	// observerChanSize is the per-observer channel buffer. Records are
	// dropped when the channel is full — sessions are never slowed down
	// by a slow observer.
	observerChanSize = 64
)

// TapConfig holds tunable parameters for a Tap.
type TapConfig struct {
	// MaxObservers is the maximum number of concurrent observers.
	// 0 means DefaultMaxObservers.
	MaxObservers int
}

// Tap fans audit records out to zero or more live observers — a diagnostic
// window onto the agent without touching the log file. It implements Sink,
// so it slots into a Fanout next to the Logger.
//
// Safe for concurrent use.
type Tap struct {
	mu           sync.Mutex
	observers    map[uint64]chan Record
	nextID       uint64
	maxObservers int
	closed       bool
}

var _ Sink = (*Tap)(nil)

// NewTap creates a Tap with the given config.
func NewTap(cfg TapConfig) *Tap {
	max := cfg.MaxObservers
	if max <= 0 {
		max = DefaultMaxObservers
	}
	return &Tap{
		observers:    make(map[uint64]chan Record),
		maxObservers: max,
	}
}

// Record fans rec out to all current observers. Never blocks — a full
// observer channel drops the record for that observer only.
func (t *Tap) Record(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("audit: tap already closed")
	}
	for id, ch := range t.observers {
		select {
		case ch <- rec:
		default:
			log.Printf("[AUDIT] observer %d too slow, record dropped", id)
		}
	}
	return nil
}

// Subscribe registers a new observer. The returned channel receives every
// record until unsubscribe is called or the tap closes.
func (t *Tap) Subscribe() (<-chan Record, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, fmt.Errorf("audit: tap already closed")
	}
	if len(t.observers) >= t.maxObservers {
		return nil, nil, fmt.Errorf("audit: observer limit reached (%d)", t.maxObservers)
	}

	id := t.nextID
	t.nextID++
	ch := make(chan Record, observerChanSize)
	t.observers[id] = ch

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.observers[id]; ok {
			delete(t.observers, id)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// ObserverCount returns the number of currently active observers.
func (t *Tap) ObserverCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// Close unsubscribes all observers. Idempotent.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for id, ch := range t.observers {
		delete(t.observers, id)
		close(ch)
	}
	return nil
}

// Fanout records to every sink, logging failures instead of propagating
// them — a broken audit backend must not fail the session it describes.
type Fanout struct {
	sinks []Sink
}

var _ Sink = (*Fanout)(nil)

// NewFanout wraps sinks into one. Close closes each sink.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Record(rec Record) error {
	for _, s := range f.sinks {
		if err := s.Record(rec); err != nil {
			log.Printf("[AUDIT] sink error for session %s: %v", rec.SessionID, err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
