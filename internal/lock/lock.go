// Package lock provides a FIFO mutex whose Lock can be abandoned through a
// context.
package lock

import (
	"container/list"
	"context"
	"sync"
)

// Mutex is a fair mutual exclusion lock. Waiters acquire it in the order in
// which they called Lock. The zero value is an unlocked mutex.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters list.List
}

// Lock blocks until the mutex is acquired or ctx is done. On success the
// caller owns the mutex and must call Unlock. When ctx ends first the caller
// is removed from the queue and ctx.Err() is returned.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := m.waiters.PushBack(ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-ready:
		// Ownership was handed over while we were giving up.
		m.mu.Unlock()
		m.Unlock()
	default:
		m.waiters.Remove(elem)
		m.mu.Unlock()
	}
	return ctx.Err()
}

// Unlock releases the mutex, handing it directly to the oldest waiter if
// there is one. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		panic("lock: unlock of unlocked mutex")
	}
	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		return
	}
	ready := m.waiters.Remove(front).(chan struct{})
	close(ready)
}

// Waiters reports how many callers are queued behind the current holder.
func (m *Mutex) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
