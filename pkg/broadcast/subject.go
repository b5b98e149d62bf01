// Package broadcast provides a replay-latest multicast value holder.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// Subject holds the most recent value of a stream and fans every new value out to its
// subscribers. A new subscriber receives the cached value synchronously before any later
// emission. It is a single-slot cache, not a queue.
type Subject[T any] struct {
	mu      sync.Mutex
	value   T
	initial T
	subs    map[uint64]*subscriber[T]
	order   []uint64
	nextID  uint64
	closed  bool
}

type subscriber[T any] struct {
	fn func(T)

	// deliverMu serializes deliveries so a subscriber sees values in emission order.
	deliverMu sync.Mutex
	active    atomic.Bool
}

// NewSubject creates a subject whose cached value starts at initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{
		value:   initial,
		initial: initial,
		subs:    make(map[uint64]*subscriber[T]),
	}
}

// Value returns the cached value.
func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers fn, calls it with the cached value before returning, and returns a
// function that removes the subscription. The returned function is idempotent and may be
// called from inside fn. Once it returns no new delivery to fn starts; a delivery already
// running on another goroutine is allowed to finish.
// Subscribing to a closed subject is a no-op.
func (s *Subject[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)
	s.subs[id] = sub
	s.order = append(s.order, id)
	current := s.value
	// Hold the delivery lock before releasing the subject so a concurrent Next
	// cannot overtake the replayed value.
	sub.deliverMu.Lock()
	s.mu.Unlock()

	fn(current)
	sub.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

// Next caches v and delivers it to every current subscriber in subscription order.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.value = v
	targets := make([]*subscriber[T], 0, len(s.order))
	for _, id := range s.order {
		if sub, ok := s.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliverMu.Lock()
		if sub.active.Load() {
			sub.fn(v)
		}
		sub.deliverMu.Unlock()
	}
}

// Len returns the number of active subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close drops every subscriber and resets the cached value to the initial value.
// Later Next and Subscribe calls are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber[T])
	s.order = nil
	s.value = s.initial
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		sub.active.Store(false)
	}
}
