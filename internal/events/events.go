// Package events is an in-process pub/sub bus for operation lifecycle
// notifications. Publishing never blocks: a subscriber whose buffer is full
// misses the event and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/operation"
)

type Type string

const (
	TypeLaunched Type = "operation.launched"
	TypeStopped  Type = "operation.stopped"
	TypeSynced   Type = "operations.synced"
)

type Event struct {
	Type         Type               `json:"type"`
	ConnectionID string             `json:"connection_id"`
	Operation    *operation.Record  `json:"operation,omitempty"`
	Summary      *operation.Summary `json:"summary,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

const DefaultBuffer = 64

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func(Event)
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// OnDrop installs a callback invoked for every event a subscriber missed.
// It runs on the publisher's goroutine and must not block.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func unsubscribes and closes the channel; it is safe to
// call more than once. Subscribing to a closed bus yields a closed channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room. A nil bus discards.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
