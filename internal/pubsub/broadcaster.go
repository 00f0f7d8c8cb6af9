// Package pubsub provides a small multicast value broadcaster that replays
// the latest published value to new subscribers.
package pubsub

import "sync"

type Broadcaster[T any] struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]func(T)
	latest   T
	hasValue bool
	// deliverMu serialises callbacks so subscribers observe values in
	// publish order.
	deliverMu sync.Mutex
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: map[int]func(T){}}
}

// NewBroadcasterWith creates a broadcaster that already holds an initial
// value.
func NewBroadcasterWith[T any](initial T) *Broadcaster[T] {
	b := NewBroadcaster[T]()
	b.latest = initial
	b.hasValue = true
	return b
}

// Subscribe registers fn and, if a value has been published, calls it with
// the latest value before returning. The returned cancel func is idempotent.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	b.deliverMu.Lock()
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	latest, has := b.latest, b.hasValue
	b.mu.Unlock()
	if has {
		fn(latest)
	}
	b.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish stores v as the latest value and delivers it to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	b.latest = v
	b.hasValue = true
	subs := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// Latest returns the last published value and whether one exists.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasValue
}

func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
