package events

import (
	"sync"
)

// BackpressurePolicy selects what happens to a subscriber whose buffer is
// full when an event is published.
type BackpressurePolicy int

const (
	// PolicyDrop silently discards the event for that one slow subscriber.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick disconnects the slow subscriber.
	PolicyKick
)

// Subscriber is one listener registered with a Bus (one per connected UI,
// in the eventual JSON-socket transport this package stays agnostic to).
type Subscriber struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is closed. Idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

// Bus fans out published events to every subscribed listener, the same
// shape as a pub-sub hub for an outbound frame feed, here applied to the
// outbound event queue instead of wire frames.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	BufSize  int
	Policy   BackpressurePolicy
	onDrop   func()
	onKick   func()
}

// NewBus creates a Bus with default settings (buffer 64, drop policy).
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{}), BufSize: 64}
}

// OnDrop/OnKick let callers wire metrics without this package depending
// on the metrics package directly.
func (b *Bus) OnDrop(fn func()) { b.onDrop = fn }
func (b *Bus) OnKick(fn func()) { b.onKick = fn }

// Subscribe registers and returns a new Subscriber.
func (b *Bus) Subscribe() *Subscriber {
	size := b.BufSize
	if size <= 0 {
		size = 64
	}
	s := &Subscriber{Out: make(chan Event, size), Closed: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber; safe to call multiple times.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, existed := b.subs[s]
	if existed {
		delete(b.subs, s)
	}
	b.mu.Unlock()
	if existed {
		s.Close()
	}
}

// Publish fans an event out to every subscriber, honoring the backpressure
// policy for any subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	for _, s := range b.snapshot() {
		select {
		case s.Out <- ev:
		default:
			if b.Policy == PolicyKick {
				if b.onKick != nil {
					b.onKick()
				}
				s.Close()
			} else if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

func (b *Bus) snapshot() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
