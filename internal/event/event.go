// Package event implements a last-value broadcaster for state changes.
package event

import "sync"

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener[T any] struct {
	id ListenerID
	fn func(T)
}

// Broadcaster holds the latest value of T and delivers every new value to its
// listeners. Listeners run on the publishing goroutine without any internal
// lock held, so they may call back into the broadcaster. When values are
// published faster than they are delivered, listeners only see the newest.
type Broadcaster[T any] struct {
	mu        sync.Mutex
	current   T
	seq       uint64
	version   uint64
	delivered uint64
	draining  bool
	nextID    ListenerID
	listeners []listener[T]
}

// New returns a Broadcaster whose current value is initial.
func New[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{current: initial}
}

// Current returns the latest published value.
func (b *Broadcaster[T]) Current() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Seq returns the sequence number of the latest published value.
func (b *Broadcaster[T]) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Add registers fn and immediately calls it with the current value. If a
// newer value is published while the replay runs, fn is called again so
// that the last value it sees is the current one.
func (b *Broadcaster[T]) Add(fn func(T)) ListenerID {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})
	current, seen := b.current, b.seq
	b.mu.Unlock()

	for {
		fn(current)

		b.mu.Lock()
		if b.seq == seen || !b.registered(id) {
			b.mu.Unlock()
			return id
		}
		current, seen = b.current, b.seq
		b.mu.Unlock()
	}
}

func (b *Broadcaster[T]) registered(id ListenerID) bool {
	for _, l := range b.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

// Remove unregisters a listener. Unknown ids are ignored.
func (b *Broadcaster[T]) Remove(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Publish stores v as the current value and delivers it. If another
// goroutine (or a listener further up the stack) is already delivering, v is
// handed to it and Publish returns without waiting.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	b.publishLocked(v)
}

// Offer publishes v only if version is newer than every version offered
// before. It reports whether v was accepted. Producers that compute values
// under their own lock use it to keep a late publisher from overwriting a
// newer value.
func (b *Broadcaster[T]) Offer(version uint64, v T) bool {
	b.mu.Lock()
	if version <= b.version {
		b.mu.Unlock()
		return false
	}
	b.version = version
	b.publishLocked(v)
	return true
}

// publishLocked must be called with b.mu held and releases it.
func (b *Broadcaster[T]) publishLocked(v T) {
	b.seq++
	b.current = v
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for b.delivered < b.seq {
		seq, value := b.seq, b.current
		b.delivered = seq
		targets := append([]listener[T](nil), b.listeners...)
		b.mu.Unlock()

		for _, l := range targets {
			if b.stale(seq) {
				break
			}
			l.fn(value)
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

func (b *Broadcaster[T]) stale(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq != seq
}
